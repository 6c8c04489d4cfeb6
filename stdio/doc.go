// Package stdio implements the line framing used to talk to the child MCP
// server over its standard streams.
//
// Characteristics
//
//	Framing    : one JSON value per line, "\n" terminated ("\r\n" tolerated)
//	Inbound    : best effort; malformed lines are logged and dropped
//	Outbound   : each message is a single Write so concurrent senders never
//	             interleave partial lines
//	Line limit : configurable (DefaultMaxLineSize); longer lines are skipped
//
// Example:
//
//	rd := stdio.NewReader(child.Stdout, stdio.WithLogger(log))
//	err := rd.Run(ctx, func(env *jsonrpc.Envelope) {
//	    dispatcher.Deliver(env)
//	    _ = broker.Publish(ctx, env.Raw)
//	})
package stdio
