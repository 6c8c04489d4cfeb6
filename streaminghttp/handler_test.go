package streaminghttp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/auth/authtest"
	"github.com/ggoodman/mcp-sse-bridge/bridge"
	"github.com/ggoodman/mcp-sse-bridge/bridge/bridgetest"
	"github.com/ggoodman/mcp-sse-bridge/broker"
	"github.com/ggoodman/mcp-sse-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-bridge/streaminghttp"
	"github.com/ggoodman/mcp-sse-bridge/supervisor"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	t.Run("token configured", func(t *testing.T) {
		srv, _ := newTestServer(t, []bridgetest.Option{bridgetest.WithToken("1/secret")})

		resp, body := do(t, http.MethodGet, srv.URL+"/health", "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
		require.JSONEq(t, `{"status":"healthy","mcp_running":true,"asana_token_configured":true}`, body)
	})

	t.Run("no token", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)

		_, body := do(t, http.MethodGet, srv.URL+"/health", "", "")
		require.JSONEq(t, `{"status":"healthy","mcp_running":true,"asana_token_configured":false}`, body)
	})
}

func TestListTools(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/tools", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var res struct {
		JSONRPC string `json:"jsonrpc"`
		ID      string `json:"id"`
		Result  struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &res))
	require.Equal(t, "2.0", res.JSONRPC)
	require.True(t, strings.HasPrefix(res.ID, "req-"), res.ID)
	require.Len(t, res.Result.Tools, 2)
	require.Equal(t, bridgetest.ToolGetTask, res.Result.Tools[0].Name)
}

func TestCallTool(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/tools/asana_get_task", "application/json", `{"task_id":"1203"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, `{"task_id":"1203"}`, toolText(t, body))
	require.Contains(t, body, `"jsonrpc":"2.0"`)
}

func TestCallTool_ErrorIsReturnedVerbatim(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/tools/asana_nope", "application/json", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &res))
	require.Equal(t, -32601, res.Error.Code)
	require.Equal(t, "Unknown tool: asana_nope", res.Error.Message)
}

func TestCallTool_Timeout(t *testing.T) {
	srv, _ := newTestServer(t, []bridgetest.Option{bridgetest.WithRequestTimeout(50 * time.Millisecond)})

	resp, body := do(t, http.MethodPost, srv.URL+"/tools/"+bridgetest.ToolHang, "application/json", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"error":"Request timeout"}`, body)
}

func TestWebhook(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	for _, path := range []string{"/webhook/get_task", "/webhook/asana/get_task"} {
		t.Run(path, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, srv.URL+path, "application/json", `{"task_id":"42"}`)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			require.JSONEq(t, `{"content":[{"type":"text","text":"{\"task_id\":\"42\"}"}]}`, body)
		})
	}
}

func TestWebhook_SDKChild(t *testing.T) {
	harness := bridgetest.StartSDK(t)
	h, err := streaminghttp.New(harness.Bridge, streaminghttp.WithLogger(slog.New(testLogHandler(t))))
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	resp, body := do(t, http.MethodPost, srv.URL+"/webhook/asana/get_task", "application/json", `{"task_id":"42"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"content":[{"type":"text","text":"{\"task_id\":\"42\"}"}]}`, body)

	resp, body = do(t, http.MethodPost, srv.URL+"/webhook/nope", "application/json", `{}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var rpcErr jsonrpc.Error
	require.NoError(t, json.Unmarshal([]byte(body), &rpcErr), body)
	require.Equal(t, jsonrpc.ErrorCodeInvalidParams, rpcErr.Code)
}

func TestWebhook_ToolError(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/webhook/nope", "application/json", `{}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.JSONEq(t, `{"code":-32601,"message":"Unknown tool: asana_nope"}`, body)
}

func TestWebhook_NoResultIsEmptyBody(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/webhook/no_result", "application/json", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, body)
}

func TestWebhook_Timeout(t *testing.T) {
	srv, _ := newTestServer(t, []bridgetest.Option{bridgetest.WithRequestTimeout(50 * time.Millisecond)})

	resp, body := do(t, http.MethodPost, srv.URL+"/webhook/hang", "application/json", `{}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.JSONEq(t, `"Request timeout"`, body)
}

func TestBody(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	t.Run("non-JSON content type sends empty arguments", func(t *testing.T) {
		resp, body := do(t, http.MethodPost, srv.URL+"/tools/asana_get_task", "text/plain", `task_id=1`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, `{}`, toolText(t, body))
	})

	t.Run("empty JSON body sends empty arguments", func(t *testing.T) {
		resp, body := do(t, http.MethodPost, srv.URL+"/tools/asana_get_task", "application/json", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, `{}`, toolText(t, body))
	})

	t.Run("charset parameter is accepted", func(t *testing.T) {
		resp, body := do(t, http.MethodPost, srv.URL+"/tools/asana_get_task", "application/json; charset=utf-8", `{"a":1}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, `{"a":1}`, toolText(t, body))
	})

	t.Run("malformed JSON is rejected", func(t *testing.T) {
		resp, body := do(t, http.MethodPost, srv.URL+"/webhook/get_task", "application/json", `{"task_id":`)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.JSONEq(t, `{"error":"invalid JSON body"}`, body)
	})

	t.Run("scalar JSON is rejected", func(t *testing.T) {
		for _, scalar := range []string{`"task"`, `42`, `true`, `null`} {
			resp, body := do(t, http.MethodPost, srv.URL+"/webhook/get_task", "application/json", scalar)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode, scalar)
			require.JSONEq(t, `{"error":"JSON body must be an object or array"}`, body)
		}
	})

	t.Run("array JSON is forwarded", func(t *testing.T) {
		resp, body := do(t, http.MethodPost, srv.URL+"/tools/asana_get_task", "application/json", ` [1,2] `)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, `[1,2]`, toolText(t, body))
	})
}

func TestCORS(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/webhook/get_task", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://n8n.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
	require.Equal(t, "content-type", resp.Header.Get("Access-Control-Allow-Headers"))
}

func TestBackendFailureIs500(t *testing.T) {
	h, err := streaminghttp.New(downBackend{}, streaminghttp.WithLogger(slog.New(testLogHandler(t))))
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	resp, body := do(t, http.MethodGet, srv.URL+"/tools", "", "")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.JSONEq(t, `{"error":"mcp process not running"}`, body)

	resp, body = do(t, http.MethodPost, srv.URL+"/webhook/get_task", "application/json", `{}`)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.JSONEq(t, `{"error":"mcp process not running"}`, body)

	resp, body = do(t, http.MethodGet, srv.URL+"/health", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"healthy","mcp_running":false,"asana_token_configured":false}`, body)
}

func TestNew_RequiresBackend(t *testing.T) {
	_, err := streaminghttp.New(nil)
	require.Error(t, err)
}

func TestSSE_ConnectedThenBroadcast(t *testing.T) {
	srv, h := newTestServer(t, nil)

	stream := openSSE(t, srv.URL+"/sse")
	require.Equal(t, "text/event-stream", stream.resp.Header.Get("Content-Type"))
	require.Equal(t, "no-cache", stream.resp.Header.Get("Cache-Control"))
	require.Equal(t, "*", stream.resp.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, `data: {"type":"connected"}`, stream.next(t))

	require.Eventually(t, func() bool { return h.Broker.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	resp, _ := do(t, http.MethodPost, srv.URL+"/tools/asana_get_task", "application/json", `{"task_id":"7"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The child emits a notification before its response; both are broadcast
	// in that order. The handshake reply may or may not precede them.
	var seen []*jsonrpc.Envelope
	for {
		frame := stream.next(t)
		payload, ok := strings.CutPrefix(frame, "data: ")
		require.True(t, ok, frame)
		env, err := jsonrpc.Parse([]byte(payload))
		require.NoError(t, err)
		if env.ID != nil && env.ID.String() == "init-1" {
			continue
		}
		seen = append(seen, env)
		if env.Type() == "response" {
			break
		}
	}
	require.Len(t, seen, 2)
	require.Equal(t, "notification", seen[0].Type())
	require.Equal(t, "notifications/message", seen[0].Method)
	require.Contains(t, string(seen[1].Raw), `\"task_id\":\"7\"`)
}

func TestSSE_Keepalive(t *testing.T) {
	srv, _ := newTestServer(t, nil, streaminghttp.WithKeepalive(20*time.Millisecond))

	stream := openSSE(t, srv.URL+"/sse")
	require.Equal(t, `data: {"type":"connected"}`, stream.next(t))
	// The handshake reply may be broadcast before the first keepalive.
	for {
		line := stream.next(t)
		if line == ":keepalive" {
			break
		}
		require.True(t, strings.HasPrefix(line, "data: "), "unexpected frame %q", line)
	}
}

func TestSSE_DisconnectRemovesSubscriber(t *testing.T) {
	srv, h := newTestServer(t, nil)

	stream := openSSE(t, srv.URL+"/sse")
	stream.next(t)
	require.Eventually(t, func() bool { return h.Broker.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	stream.close()
	require.Eventually(t, func() bool { return h.Broker.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSSE_NotAcceptable(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/sse", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
}

func TestAuthentication(t *testing.T) {
	srv, _ := newTestServer(t, nil,
		streaminghttp.WithAuthenticator(authtest.StaticTokens{"good": "n8n"}),
		streaminghttp.WithRealm("bridge"),
	)

	get := func(authz string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/tools", nil)
		require.NoError(t, err)
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return resp
	}

	t.Run("missing credentials", func(t *testing.T) {
		resp := get("")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Equal(t, `Bearer realm="bridge"`, resp.Header.Get("WWW-Authenticate"))
	})

	t.Run("wrong scheme", func(t *testing.T) {
		resp := get("Basic Zm9vOmJhcg==")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Contains(t, resp.Header.Get("WWW-Authenticate"), `error="invalid_request"`)
	})

	t.Run("invalid token", func(t *testing.T) {
		resp := get("Bearer nope")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Contains(t, resp.Header.Get("WWW-Authenticate"), `error="invalid_token"`)
	})

	t.Run("insufficient scope", func(t *testing.T) {
		resp := get("Bearer no-scope")
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
		require.Contains(t, resp.Header.Get("WWW-Authenticate"), `error="insufficient_scope"`)
	})

	t.Run("valid token", func(t *testing.T) {
		require.Equal(t, http.StatusOK, get("Bearer good").StatusCode)
	})

	t.Run("health stays open", func(t *testing.T) {
		resp, _ := do(t, http.MethodGet, srv.URL+"/health", "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("preflight stays open", func(t *testing.T) {
		resp, _ := do(t, http.MethodOptions, srv.URL+"/tools", "", "")
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	})
}

// ============================================================================
// Test Server Utility
// ============================================================================

func newTestServer(t *testing.T, bopts []bridgetest.Option, opts ...streaminghttp.Option) (*httptest.Server, *bridgetest.Harness) {
	t.Helper()

	harness := bridgetest.Start(t, bridgetest.FakeAsana, bopts...)

	opts = append([]streaminghttp.Option{streaminghttp.WithLogger(slog.New(testLogHandler(t)))}, opts...)
	h, err := streaminghttp.New(harness.Bridge, opts...)
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, harness
}

func do(t *testing.T, method, url, contentType, body string) (*http.Response, string) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

// toolText extracts the first text content of a tools/call response.
func toolText(t *testing.T, body string) string {
	t.Helper()
	var res struct {
		Result struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &res), body)
	require.NotEmpty(t, res.Result.Content, body)
	return res.Result.Content[0].Text
}

type sseStream struct {
	resp   *http.Response
	r      *bufio.Reader
	cancel context.CancelFunc
}

func openSSE(t *testing.T, url string) *sseStream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s := &sseStream{resp: resp, r: bufio.NewReader(resp.Body), cancel: cancel}
	t.Cleanup(s.close)
	return s
}

// next returns the next frame with its lines joined by "\n".
func (s *sseStream) next(t *testing.T) string {
	t.Helper()
	var lines []string
	for {
		line, err := s.r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(lines) > 0 {
				return strings.Join(lines, "\n")
			}
			continue
		}
		lines = append(lines, line)
	}
}

func (s *sseStream) close() {
	s.cancel()
	s.resp.Body.Close()
}

// downBackend behaves like a bridge whose child is not running.
type downBackend struct{}

func (downBackend) ListTools(context.Context) (jsonrpc.Message, error) {
	return nil, supervisor.ErrNotRunning
}

func (downBackend) CallTool(context.Context, string, json.RawMessage) (jsonrpc.Message, error) {
	return nil, supervisor.ErrNotRunning
}

func (downBackend) Subscribe(context.Context) (broker.MessageStream, error) {
	return nil, broker.ErrClosed
}

func (downBackend) Status() bridge.Status { return bridge.Status{} }

// ============================================================================

// logBridge is an implementation of slog.Handler that works
// with the stdlib testing pkg.
type logBridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

// Handle implements slog.Handler.
func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.Handler.Handle(ctx, rec)
	if err != nil {
		return err
	}

	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}

	// The output comes back with a newline, which we need to
	// trim before feeding to t.Log.
	output = bytes.TrimSuffix(output, []byte("\n"))

	b.t.Helper()

	b.t.Log(string(output))

	return nil
}

// WithAttrs implements slog.Handler.
func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		Handler: b.Handler.WithAttrs(attrs),
	}
}

// WithGroup implements slog.Handler.
func (b *logBridge) WithGroup(name string) slog.Handler {
	return &logBridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		Handler: b.Handler.WithGroup(name),
	}
}

func testLogHandler(t *testing.T) *logBridge {
	b := &logBridge{
		t:   t,
		buf: &bytes.Buffer{},
		mu:  &sync.Mutex{},
	}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return b
}
