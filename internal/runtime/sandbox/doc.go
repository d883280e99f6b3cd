/*
Package sandbox runs one extension payload inside an isolated goja runtime.

A Sandbox is single extension and single version. Load compiles the payload,
scrubs the ambient globals, installs a CommonJS style module.exports capture
and binds the host functions supplied by a Binder. Invoke calls an exported
operation and awaits the promise it returns.

State machine:

	Unloaded -> Loaded -> Ready
	                  \-> Faulted (compile, bind or top level failure)
	Ready -> Faulted (execution budget exceeded or host panic)

A script error thrown by an operation fails that call only. A Faulted sandbox
answers every call with its stored fault until it is replaced. Calls are
serialized per instance.
*/
package sandbox
