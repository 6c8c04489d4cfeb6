package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-sse-bridge/auth"
	"github.com/ggoodman/mcp-sse-bridge/bridge"
	"github.com/ggoodman/mcp-sse-bridge/broker"
	"github.com/ggoodman/mcp-sse-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-bridge/internal/logctx"
	"github.com/google/uuid"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

// DefaultKeepalive is the interval between SSE comment frames.
const DefaultKeepalive = 30 * time.Second

// maxBodySize caps request bodies read for tool arguments.
const maxBodySize = 1 << 20

// connectedEvent is the first frame on every SSE stream.
var connectedEvent = []byte(`{"type":"connected"}`)

var keepaliveFrame = []byte(":keepalive\n\n")

// Backend is the session the handler talks to. *bridge.Bridge implements it.
type Backend interface {
	ListTools(ctx context.Context) (jsonrpc.Message, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (jsonrpc.Message, error)
	Subscribe(ctx context.Context) (broker.MessageStream, error)
	Status() bridge.Status
}

// writeJSONError emits {"error":"<message>"}. Safe to call after some
// headers are set but before the status is written.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRaw forwards a child payload without reinterpreting it.
func writeRaw(w http.ResponseWriter, status int, msg []byte) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_, _ = w.Write(msg)
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger    *slog.Logger
	auth      auth.Authenticator
	realm     string
	keepalive time.Duration
}

// WithLogger sets the logger used by the handler. If not provided, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithAuthenticator requires a valid bearer token on every route except
// /health and CORS preflight. A nil authenticator leaves the routes open.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *newConfig) { c.auth = a }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithKeepalive overrides DefaultKeepalive.
func WithKeepalive(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.keepalive = d
		}
	}
}

// buildBearerChallenge builds a standardized Bearer challenge header value.
// Format:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty.
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if v, ok := params["error"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
	}
	if v, ok := params["error_description"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// Handler serves the bridge's SSE stream and REST endpoints.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	backend   Backend
	auth      auth.Authenticator
	realm     string
	keepalive time.Duration
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

// writeFrame writes p and flushes while holding the lock so concurrent frames
// never interleave.
func (l *lockedWriteFlusher) writeFrame(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return l.ctx.Err()
	}
	if _, err := l.Writer.Write(p); err != nil {
		return err
	}
	l.Flusher.Flush()
	return nil
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a Handler serving backend.
func New(backend Backend, opts ...Option) (*Handler, error) {
	if backend == nil {
		return nil, errors.New("streaminghttp: backend is required")
	}
	cfg := newConfig{keepalive: DefaultKeepalive}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	h := &Handler{
		mux:       http.NewServeMux(),
		log:       cfg.logger,
		backend:   backend,
		auth:      cfg.auth,
		realm:     cfg.realm,
		keepalive: cfg.keepalive,
	}

	h.mux.HandleFunc("GET /sse", h.authenticated(h.handleGetSSE))
	h.mux.HandleFunc("GET /tools", h.authenticated(h.handleListTools))
	h.mux.HandleFunc("POST /tools/{toolName}", h.authenticated(h.handleCallTool))
	h.mux.HandleFunc("POST /webhook/{action}", h.authenticated(h.handleWebhook))
	h.mux.HandleFunc("POST /webhook/asana/{action}", h.authenticated(h.handleWebhook))
	h.mux.HandleFunc("GET /health", h.handleHealth)

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	w.Header().Set("Access-Control-Allow-Origin", "*")
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, PUT, PATCH, POST, DELETE")
		if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
			w.Header().Add("Vary", "Access-Control-Request-Headers")
		}
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			h.log.ErrorContext(ctx, "http.handler.panic", slog.Any("panic", rec))
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprint(rec))
		}
	}()

	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// authenticated gates next behind bearer authentication when an
// Authenticator is configured.
func (h *Handler) authenticated(next http.HandlerFunc) http.HandlerFunc {
	if h.auth == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userInfo := h.checkAuthentication(ctx, r, w)
		if userInfo == nil {
			h.log.InfoContext(ctx, "auth.fail")
			return
		}
		h.log.DebugContext(ctx, "auth.ok", slog.String("user", userInfo.UserID()))
		next(w, r)
	}
}

// handleGetSSE streams every message the child writes until the client goes away.
func (h *Handler) handleGetSSE(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.log.WarnContext(ctx, "http.sse.not_acceptable", slog.String("accept", r.Header.Get("Accept")))
		writeJSONError(w, http.StatusNotAcceptable, "text/event-stream not acceptable")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	stream, err := h.backend.Subscribe(ctx)
	if err != nil {
		h.log.ErrorContext(ctx, "sse.subscribe.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSEEvent(wf, connectedEvent); err != nil {
		h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start", slog.String("subscriber", stream.ID()))

	// The keepalive writer must be gone before the handler returns.
	kaDone := make(chan struct{})
	go func() {
		defer close(kaDone)
		h.keepaliveLoop(ctx, wf)
	}()
	defer func() {
		cancel()
		<-kaDone
	}()

	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
			} else {
				h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
			}
			return
		}
		if err := writeSSEEvent(wf, msg); err != nil {
			h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
		h.log.DebugContext(ctx, "sse.message.deliver")
	}
}

func (h *Handler) keepaliveLoop(ctx context.Context, wf *lockedWriteFlusher) {
	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wf.writeFrame(keepaliveFrame); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handleListTools(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	msg, err := h.backend.ListTools(ctx)
	if err != nil {
		h.log.ErrorContext(ctx, "http.tools.list.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeRaw(w, http.StatusOK, msg)
}

func (h *Handler) handleCallTool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	args, err := readArguments(r)
	if err != nil {
		h.log.InfoContext(ctx, "http.body.invalid", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.backend.CallTool(ctx, r.PathValue("toolName"), args)
	if err != nil {
		h.log.ErrorContext(ctx, "http.tools.call.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeRaw(w, http.StatusOK, msg)
}

// handleWebhook unwraps the child's response: the result on success, the
// error value with 400 otherwise.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	args, err := readArguments(r)
	if err != nil {
		h.log.InfoContext(ctx, "http.body.invalid", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.backend.CallTool(ctx, bridge.ToolName(r.PathValue("action")), args)
	if err != nil {
		h.log.ErrorContext(ctx, "http.webhook.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	res := jsonrpc.DecodeResponse(msg)
	if res.Failed() {
		if rpcErr, ok := res.RPCError(); ok {
			h.log.InfoContext(ctx, "http.webhook.tool_error", slog.Int("code", int(rpcErr.Code)), slog.String("message", rpcErr.Message))
		}
		writeRaw(w, http.StatusBadRequest, res.Error)
		return
	}
	if len(res.Result) == 0 {
		writeRaw(w, http.StatusOK, nil)
		return
	}
	writeRaw(w, http.StatusOK, res.Result)
}

type healthResponse struct {
	Status               string `json:"status"`
	MCPRunning           bool   `json:"mcp_running"`
	AsanaTokenConfigured bool   `json:"asana_token_configured"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.backend.Status()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:               "healthy",
		MCPRunning:           st.MCPRunning,
		AsanaTokenConfigured: st.TokenConfigured,
	})
}

// readArguments returns the JSON body as tool arguments. Bodies that are not
// declared as JSON, and empty bodies, become {}. Only objects and arrays are
// accepted as JSON bodies.
func readArguments(r *http.Request) (json.RawMessage, error) {
	empty := json.RawMessage(`{}`)
	if r.Body == nil || r.Header.Get("Content-Type") == "" {
		return empty, nil
	}
	mt, err := contenttype.GetMediaType(r)
	if err != nil || !mt.Matches(jsonMediaType) {
		return empty, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodySize {
		return nil, errors.New("request entity too large")
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return empty, nil
	}
	if !json.Valid(trimmed) {
		return nil, errors.New("invalid JSON body")
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return nil, errors.New("JSON body must be an object or array")
	}
	return json.RawMessage(body), nil
}

func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	authHeader := r.Header.Get(authorizationHeader)

	if authHeader == "" {
		// RFC 6750 §3.1: no error code when the request lacks credentials.
		h.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, nil))
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return nil
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		writeJSONError(w, http.StatusBadRequest, "malformed bearer authorization header")
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
		writeJSONError(w, http.StatusBadRequest, "empty bearer token")
		return nil
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrInsufficientScope) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "insufficient_scope", "error_description": err.Error()}))
			writeJSONError(w, http.StatusForbidden, "insufficient scope")
			return nil
		}
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_token", "error_description": err.Error()}))
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return nil
		}

		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return nil
	}

	return userInfo
}

// writeSSEEvent writes payload as the data field of one SSE frame and flushes.
func writeSSEEvent(wf *lockedWriteFlusher, payload []byte) error {
	frame := make([]byte, 0, len(payload)+len("data: \n\n"))
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	if err := wf.writeFrame(frame); err != nil {
		return fmt.Errorf("failed to write SSE frame: %w", err)
	}
	return nil
}
