// Package pipeline runs one conversational turn end to end.
//
// The Orchestrator forwards model deltas to a Sink as they arrive, writes
// the full response to the data directory and then executes the fenced code
// blocks it contains in source order: shell blocks stream their output line
// by line, valid Python blocks are formatted, have their third-party
// imports installed and run, and blocks in other languages are skipped.
//
// A Session binds an Orchestrator to the sandbox of one client connection.
package pipeline
