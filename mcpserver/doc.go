// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// It exposes two tools through mark3labs/mcp-go: list_models returns the
// configured backend names and run_prompt processes one turn in a fresh
// sandbox, returning the collected {response} and {code} events as JSON.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(cfg, logger, factory, client)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
