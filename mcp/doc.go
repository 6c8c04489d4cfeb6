// Package mcp holds the few Model Context Protocol shapes the bridge builds
// itself: the initialize handshake and the tools/list and tools/call request
// parameters. Everything the child sends back is forwarded as raw JSON and
// never decoded into these types.
package mcp
