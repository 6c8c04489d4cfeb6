// Package bridgetest starts a Bridge against an in-memory child that speaks
// enough of the Asana MCP server's protocol for end-to-end tests.
package bridgetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/bridge"
	"github.com/ggoodman/mcp-sse-bridge/broker/memory"
	"github.com/ggoodman/mcp-sse-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-bridge/supervisor"
	"github.com/ggoodman/mcp-sse-bridge/supervisor/supervisortest"
)

// Tool names the fake server treats specially.
const (
	ToolGetTask = "asana_get_task"
	// ToolHang is accepted but never answered.
	ToolHang = "asana_hang"
	// ToolNoResult is answered with neither a result nor an error member.
	ToolNoResult = "asana_no_result"
)

// Reply builds a response to env carrying member, e.g. `"result":{}`.
func Reply(env *jsonrpc.Envelope, member string) jsonrpc.Message {
	id, _ := json.Marshal(env.ID)
	return jsonrpc.Message(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,%s}`, id, member))
}

type callParams struct {
	Params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"params"`
}

// FakeAsana answers the handshake, lists two tools and serves tools/call.
// asana_get_task echoes its arguments as text; unknown tools get a JSON-RPC
// error; ToolHang gets nothing.
func FakeAsana(env *jsonrpc.Envelope) []jsonrpc.Message {
	switch env.Method {
	case "initialize":
		return []jsonrpc.Message{Reply(env, `"result":{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"Asana MCP Server","version":"1.0.0"}}`)}
	case "tools/list":
		return []jsonrpc.Message{Reply(env, `"result":{"tools":[{"name":"asana_get_task","inputSchema":{"type":"object"}},{"name":"asana_list_workspaces","inputSchema":{"type":"object"}}]}`)}
	case "tools/call":
		var p callParams
		if err := json.Unmarshal(env.Raw, &p); err != nil {
			return []jsonrpc.Message{Reply(env, `"error":{"code":-32602,"message":"invalid params"}`)}
		}
		switch p.Params.Name {
		case ToolHang:
			return nil
		case ToolNoResult:
			id, _ := json.Marshal(env.ID)
			return []jsonrpc.Message{jsonrpc.Message(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s}`, id))}
		case ToolGetTask, "asana_list_workspaces":
			text, _ := json.Marshal(string(p.Params.Arguments))
			return []jsonrpc.Message{
				jsonrpc.Message(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info","data":"calling ` + p.Params.Name + `"}}`),
				Reply(env, fmt.Sprintf(`"result":{"content":[{"type":"text","text":%s}]}`, text)),
			}
		default:
			return []jsonrpc.Message{Reply(env, fmt.Sprintf(`"error":{"code":-32601,"message":"Unknown tool: %s"}`, p.Params.Name))}
		}
	default:
		return []jsonrpc.Message{Reply(env, `"error":{"code":-32601,"message":"Method not found"}`)}
	}
}

// Harness is a running Bridge and the fakes behind it.
type Harness struct {
	Bridge  *bridge.Bridge
	Spawner *supervisortest.Spawner
	Broker  *memory.Broker
	// Child is the first spawned process.
	Child *supervisortest.Process
}

// Option adjusts the Bridge configuration before start.
type Option func(*bridge.Config)

// WithRequestTimeout shortens the per-call timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *bridge.Config) { c.RequestTimeout = d }
}

// WithToken sets the credential passed to the child.
func WithToken(token string) Option {
	return func(c *bridge.Config) { c.Supervisor.Token = token }
}

// Start runs a Bridge whose children answer with fn and waits for the first
// child to be running. Everything is torn down with t.Cleanup.
func Start(t testing.TB, fn supervisortest.Responder, opts ...Option) *Harness {
	t.Helper()
	return start(t, func(sp *supervisortest.Spawner) { sp.ServeWith(fn) }, opts...)
}

func start(t testing.TB, serve func(*supervisortest.Spawner), opts ...Option) *Harness {
	t.Helper()

	sp := supervisortest.NewSpawner()
	serve(sp)
	br := memory.New()

	cfg := bridge.Config{
		Supervisor: supervisor.Config{
			Spawner:      sp,
			InitDelay:    10 * time.Millisecond,
			RestartDelay: 20 * time.Millisecond,
		},
		Broker: br,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	b, err := bridge.New(cfg)
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = b.Shutdown()
	})

	child := sp.Next(t)
	deadline := time.Now().Add(2 * time.Second)
	for !b.Status().MCPRunning {
		if time.Now().After(deadline) {
			t.Fatal("child never reported running")
		}
		time.Sleep(time.Millisecond)
	}

	return &Harness{Bridge: b, Spawner: sp, Broker: br, Child: child}
}
