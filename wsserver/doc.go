// Package wsserver exposes sessions over a websocket.
//
// Every connection to /generate gets a fresh session ID, a registry reload
// and its own sandbox. Inbound messages are {prompt, model, test_input}
// requests processed one at a time; outbound messages are {response} and
// {code} events. GET /api/models lists the configured model names.
//
// Usage:
//
//	server := wsserver.New(cfg, logger, factory, client, registry)
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Shutdown(ctx)
package wsserver
