// Package native implements the native module registry and the command
// channel between the workflow engine and the native host. Modules declare the
// command names they handle; the registry dispatches correlation-id envelopes
// to them regardless of whether the engine is a child process or lives in the
// same process.
package native
