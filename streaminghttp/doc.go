// Package streaminghttp exposes the bridge over plain HTTP. It mounts as a
// standard net/http handler in front of a Backend (normally *bridge.Bridge).
//
// Routes
//
//	GET  /sse                      Server-Sent Events: a connected frame, then every child message
//	GET  /tools                    tools/list, full JSON-RPC response
//	POST /tools/{toolName}         tools/call with the body as arguments, full JSON-RPC response
//	POST /webhook/{action}         tools/call of asana_{action}; 200 with result or 400 with error
//	POST /webhook/asana/{action}   alias of the above
//	GET  /health                   liveness of the child and credential presence
//
// Every response allows any origin and OPTIONS requests are answered with 204.
//
// Request bodies are only read as JSON when declared as application/json;
// anything else is treated as empty arguments.
//
// Construction
//
//	h, err := streaminghttp.New(b,
//	    streaminghttp.WithLogger(log),
//	    streaminghttp.WithAuthenticator(authn), // optional
//	)
//
// # Streams
//
// Each SSE connection subscribes to the broadcast broker for its lifetime and
// receives a ":keepalive" comment every 30s (see WithKeepalive). There is no
// replay: a stream only sees messages published after it connected.
package streaminghttp
