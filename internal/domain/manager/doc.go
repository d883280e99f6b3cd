/*
Package manager is the public surface of the extension runtime.

Lifecycle mutations (install, update, uninstall, enable) go through the
installer and the record store first; the sandbox pool is reconciled after
the store commits, so the next invocation always loads the committed code.
Invocation errors from the pool and sandbox are returned untranslated and
never retried.

The typed content calls (Catalog, Posts, Search, Metadata, Streams,
Episodes) invoke the well-known operations of a streaming provider
extension and decode the JSON results into shared types.
*/
package manager
