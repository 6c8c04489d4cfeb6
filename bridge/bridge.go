// Package bridge owns the single MCP child session: the supervisor that keeps
// the child alive, the dispatcher that correlates requests with responses and
// the broker that fans every child message out to SSE subscribers.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/broker"
	"github.com/ggoodman/mcp-sse-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-bridge/internal/logctx"
	"github.com/ggoodman/mcp-sse-bridge/internal/outbound"
	"github.com/ggoodman/mcp-sse-bridge/mcp"
	"github.com/ggoodman/mcp-sse-bridge/supervisor"
)

// Config configures a Bridge.
type Config struct {
	// Supervisor configures the child process. OnMessage and OnStart are
	// owned by the bridge and overwritten.
	Supervisor supervisor.Config
	// Broker receives every message the child writes.
	Broker broker.Broker
	// RequestTimeout bounds each call to the child.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Status is a point-in-time view of the child used by the health endpoint.
type Status struct {
	MCPRunning bool
	// Initialized is set once the current child has answered the
	// initialize handshake without an error.
	Initialized     bool
	TokenConfigured bool
	State           supervisor.State
	PID             int
	Restarts        int
	PendingRequests int
}

// Bridge is the session object shared by all HTTP handlers.
type Bridge struct {
	log    *slog.Logger
	broker broker.Broker
	sup    *supervisor.Supervisor
	disp   *outbound.Dispatcher

	// initializedPID is the pid of the child that completed the handshake.
	initializedPID atomic.Int64
}

// New wires a Bridge. Call Run to start the child.
func New(cfg Config) (*Bridge, error) {
	if cfg.Broker == nil {
		return nil, errors.New("bridge: broker is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	b := &Bridge{log: log, broker: cfg.Broker}

	supCfg := cfg.Supervisor
	supCfg.OnMessage = b.handleMessage
	supCfg.OnStart = b.initialize
	if supCfg.Logger == nil {
		supCfg.Logger = log
	}
	b.sup = supervisor.New(supCfg)
	b.disp = outbound.New(b.sup, outbound.WithTimeout(cfg.RequestTimeout), outbound.WithLogger(log))
	return b, nil
}

// Run supervises the child until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	return b.sup.Run(ctx)
}

// Shutdown kills the child and releases the broker. Pending calls fail.
func (b *Bridge) Shutdown() error {
	if err := b.sup.Kill(); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		b.log.Warn("mcp.process.kill.fail", slog.String("err", err.Error()))
	}
	b.disp.Close(nil)
	return b.broker.Close()
}

// ListTools asks the child for its tool catalogue and returns the raw
// response object, or the timeout object.
func (b *Bridge) ListTools(ctx context.Context) (jsonrpc.Message, error) {
	req, err := jsonrpc.NewRequest(string(mcp.ToolsListMethod), mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	return b.disp.Send(ctx, req)
}

// CallTool invokes name with args. Empty args are sent as {}.
func (b *Bridge) CallTool(ctx context.Context, name string, args json.RawMessage) (jsonrpc.Message, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: name})

	req, err := jsonrpc.NewRequest(string(mcp.ToolsCallMethod), mcp.CallToolRequest{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	b.log.InfoContext(ctx, "mcp.tool.call")
	return b.disp.Send(ctx, req)
}

// Subscribe registers an SSE subscriber for everything the child emits.
func (b *Bridge) Subscribe(ctx context.Context) (broker.MessageStream, error) {
	return b.broker.Subscribe(ctx)
}

// Status reports child liveness and credential presence.
func (b *Bridge) Status() Status {
	running := b.sup.Running()
	pid := b.sup.PID()
	return Status{
		MCPRunning:      running,
		Initialized:     running && pid != 0 && int64(pid) == b.initializedPID.Load(),
		TokenConfigured: b.sup.TokenConfigured(),
		State:           b.sup.State(),
		PID:             pid,
		Restarts:        b.sup.Restarts(),
		PendingRequests: b.disp.Pending(),
	}
}

// handleMessage runs on the stdout reader goroutine, so messages are resolved
// and published in the order the child wrote them.
func (b *Bridge) handleMessage(env *jsonrpc.Envelope) {
	b.disp.Deliver(env)
	if err := b.broker.Publish(context.Background(), env.Raw); err != nil {
		b.log.Warn("sse.broadcast.fail", slog.String("err", err.Error()))
	}
}

func (b *Bridge) initialize(ctx context.Context) {
	pid := b.sup.PID()
	req, err := jsonrpc.NewRequest(string(mcp.InitializeMethod), mcp.NewInitializeRequest())
	if err != nil {
		b.log.ErrorContext(ctx, "mcp.initialize.fail", slog.String("err", err.Error()))
		return
	}
	req.ID = jsonrpc.NewRequestID(mcp.InitializeRequestID)

	msg, err := b.disp.Send(ctx, req)
	if err != nil {
		b.log.ErrorContext(ctx, "mcp.initialize.fail", slog.String("err", err.Error()))
		return
	}
	if res := jsonrpc.DecodeResponse(msg); res.Failed() {
		if rpcErr, ok := res.RPCError(); ok {
			b.log.WarnContext(ctx, "mcp.initialize.fail", slog.Int("code", int(rpcErr.Code)), slog.String("message", rpcErr.Message))
		} else {
			b.log.WarnContext(ctx, "mcp.initialize.fail", slog.String("error", string(res.Error)))
		}
		return
	}
	b.initializedPID.Store(int64(pid))
	b.log.InfoContext(ctx, "mcp.initialize.ok")
}

// ToolName maps a webhook action to the child's tool name.
func ToolName(action string) string {
	return fmt.Sprintf("asana_%s", action)
}
