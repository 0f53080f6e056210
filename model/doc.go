// Package model streams completions from the configured text-completion
// backends.
//
// Before calling a backend the Client computes the completion token budget
// from the backend's context window and refuses to call it when the budget
// falls to the configured minimum. Backends whose URL points at this host
// are started on demand by a LocalLauncher. Errors from the completion call
// are classified with Classify; every kind except Other is recoverable and
// ends the stream with one diagnostic delta.
package model
