/*
Package executor keeps the live sandboxes, one per installed extension.

Acquire consults the record store on every call, so a disabled or
uninstalled extension is refused even while its sandbox is still cached, and
a version change is picked up by building a new sandbox. Construction of a
given id and version happens once no matter how many callers race for it.
The pool holds at most MaxLive sandboxes and evicts the least recently used.
*/
package executor
