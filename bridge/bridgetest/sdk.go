package bridgetest

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/supervisor/supervisortest"
	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewSDKServer returns an MCP server built on the reference SDK that exposes
// the same catalogue as FakeAsana. asana_get_task reports progress once and
// then echoes its raw arguments as text.
func NewSDKServer() *mcpsdk.Server {
	srv := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "Asana MCP Server", Version: "1.0.0"}, nil)

	echo := func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		if err := req.Session.NotifyProgress(ctx, &mcpsdk.ProgressNotificationParams{
			ProgressToken: req.Params.Name,
			Message:       "calling " + req.Params.Name,
			Progress:      1,
		}); err != nil {
			return nil, err
		}
		args := string(req.Params.Arguments)
		if args == "" {
			args = "{}"
		}
		return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: args}}}, nil
	}

	for _, name := range []string{ToolGetTask, "asana_list_workspaces"} {
		srv.AddTool(&mcpsdk.Tool{
			Name:        name,
			Description: "Asana " + name,
			InputSchema: &jsonschema.Schema{Type: "object"},
		}, echo)
	}
	return srv
}

// ServeSDK runs a fresh SDK server on p's standard streams until the child
// exits.
func ServeSDK(p *supervisortest.Process) {
	stdin, stdout := p.Pipes()
	_ = NewSDKServer().Run(context.Background(), &mcpsdk.IOTransport{Reader: stdin, Writer: stdout})
}

// StartSDK is Start with every child served by NewSDKServer. It also waits
// for the initialize handshake, since the SDK refuses other requests before
// it.
func StartSDK(t testing.TB, opts ...Option) *Harness {
	t.Helper()

	h := start(t, func(sp *supervisortest.Spawner) { sp.RunWith(ServeSDK) }, opts...)
	deadline := time.Now().Add(2 * time.Second)
	for !h.Bridge.Status().Initialized {
		if time.Now().After(deadline) {
			t.Fatal("child never completed the handshake")
		}
		time.Sleep(time.Millisecond)
	}
	return h
}
