// Package main is the entry point for the fastgpt server.
//
// The server streams answers from OpenAI-compatible model backends to its
// clients and executes the fenced code blocks of every answer inside a
// sandbox container owned by the client's session. It can serve a
// websocket endpoint, or expose the same pipeline as MCP tools over stdio
// or HTTP.
//
// Subcommands:
//
//	serve   start the configured transport (the default)
//	models  list the configured backends
//	run     process one prompt and print its events
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, cobra for the command line, zap for structured logging and viper for configuration.
package main
