/*
Package bridge exposes the host functions an extension script may call.

A Bridge is shared by every sandbox. For(id, hosts) returns a Binding that
attributes calls to one extension: its own request quota, its manifest host
allow-list and its own log fields. Install places the functions on a goja
runtime:

	fetchText(url, headers?)        Promise<string>
	fetchBytes(url, headers?)       Promise<ArrayBuffer>
	axios.get(url, {headers})       Promise<{data, status, headers}>
	axios.post(url, body, {headers})
	cheerio.load(html)              $ selector function
	html.select(html, css)          [{text, html, attrs}]
	html.xpath(html, expr)          [{text, html}]
	atob, btoa, crypto.md5, crypto.aesDecrypt, console.*

Nothing else from the host is reachable. Requests are http/https only, every
host visited (redirects included) must match the allow-list, and a call that
exceeds the extension quota is rejected rather than queued.
*/
package bridge
