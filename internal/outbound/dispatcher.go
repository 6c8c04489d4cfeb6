package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-bridge/internal/logctx"
)

// DefaultTimeout bounds how long a call waits for the child to answer.
const DefaultTimeout = 30 * time.Second

// TimeoutResponse is handed to callers whose request went unanswered. It is a
// payload, not an error: HTTP callers inspect the body.
var TimeoutResponse = jsonrpc.Message(`{"error":"Request timeout"}`)

// Transport writes one framed request to the child process.
type Transport interface {
	WriteMessage(ctx context.Context, msg jsonrpc.Message) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, msg jsonrpc.Message) error

func (f TransportFunc) WriteMessage(ctx context.Context, msg jsonrpc.Message) error {
	return f(ctx, msg)
}

// ErrDispatcherClosed indicates the dispatcher is closed.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// resultSlot is written at most once. The response path, the timeout path and
// Close race to fill it; only the first write is observed.
type resultSlot struct {
	once sync.Once
	done chan struct{}
	msg  jsonrpc.Message
	err  error
}

func newResultSlot() *resultSlot {
	return &resultSlot{done: make(chan struct{})}
}

func (s *resultSlot) fill(msg jsonrpc.Message, err error) bool {
	filled := false
	s.once.Do(func() {
		s.msg, s.err = msg, err
		close(s.done)
		filled = true
	})
	return filled
}

type pendingCall struct {
	id        string
	createdAt time.Time
	slot      *resultSlot
	timer     *time.Timer
}

// Dispatcher correlates requests written to the child with the responses read
// back from it. Entries are keyed by request id and removed by whichever of
// response delivery or timeout happens first.
type Dispatcher struct {
	t       Transport
	log     *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCall

	nextID atomic.Uint64

	closed   atomic.Bool
	closeErr error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

// WithLogger sets the logger. If not provided, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(dp *Dispatcher) {
		if l != nil {
			dp.log = l
		}
	}
}

// New constructs a Dispatcher using the provided transport.
func New(t Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		t:       t,
		log:     slog.Default(),
		timeout: DefaultTimeout,
		pending: make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NextID allocates the next generated request id ("req-1", "req-2", ...).
func (d *Dispatcher) NextID() *jsonrpc.RequestID {
	return jsonrpc.NewRequestID(fmt.Sprintf("req-%d", d.nextID.Add(1)))
}

// Send writes req to the child and waits for the matching response. A request
// without an id is assigned one. The returned message is either the child's
// response object or TimeoutResponse.
//
// Cancelling ctx stops the wait but leaves the entry to expire on its own;
// there is no way to withdraw a request once written.
func (d *Dispatcher) Send(ctx context.Context, req *jsonrpc.Request) (jsonrpc.Message, error) {
	if d.closed.Load() {
		return nil, d.closedErr()
	}
	if req.JSONRPCVersion == "" {
		req.JSONRPCVersion = jsonrpc.ProtocolVersion
	}
	if req.ID.IsNil() {
		req.ID = d.NextID()
	}
	key := req.ID.String()

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: key})

	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	pc := &pendingCall{id: key, createdAt: time.Now(), slot: newResultSlot()}

	// Register before writing so a fast reply cannot miss its entry.
	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return nil, d.closedErr()
	}
	if prev, ok := d.pending[key]; ok {
		d.log.WarnContext(ctx, "rpc.request.superseded", slog.Duration("age", time.Since(prev.createdAt)))
		prev.timer.Stop()
		prev.slot.fill(TimeoutResponse, nil)
	}
	d.pending[key] = pc
	pc.timer = time.AfterFunc(d.timeout, func() { d.expire(pc) })
	d.mu.Unlock()

	d.log.DebugContext(ctx, "rpc.request.send", slog.String("payload", string(b)))
	if err := d.t.WriteMessage(ctx, jsonrpc.Message(b)); err != nil {
		d.remove(pc)
		pc.timer.Stop()
		d.log.ErrorContext(ctx, "rpc.request.write.fail", slog.String("err", err.Error()))
		return nil, err
	}

	select {
	case <-pc.slot.done:
		if pc.slot.err != nil {
			return nil, pc.slot.err
		}
		return pc.slot.msg, nil
	case <-ctx.Done():
		d.log.InfoContext(ctx, "rpc.request.abandoned", slog.String("err", ctx.Err().Error()))
		return nil, ctx.Err()
	}
}

// Deliver resolves the pending call matching env's id. It reports whether a
// call was resolved; messages without a known id are ignored.
func (d *Dispatcher) Deliver(env *jsonrpc.Envelope) bool {
	if env == nil || env.ID.IsNil() {
		return false
	}
	key := env.ID.String()

	d.mu.Lock()
	pc, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}

	pc.timer.Stop()
	d.log.Debug("rpc.response.deliver", slog.String("id", key), slog.Duration("dur", time.Since(pc.createdAt)))
	return pc.slot.fill(env.Raw, nil)
}

// Pending returns the number of calls awaiting a response.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close fails all pending calls with err and prevents new calls.
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.mu.Lock()
	if !d.closed.CompareAndSwap(false, true) {
		d.mu.Unlock()
		return
	}
	d.closeErr = err
	calls := make([]*pendingCall, 0, len(d.pending))
	for key, pc := range d.pending {
		delete(d.pending, key)
		calls = append(calls, pc)
	}
	d.mu.Unlock()

	for _, pc := range calls {
		pc.timer.Stop()
		pc.slot.fill(nil, err)
	}
}

func (d *Dispatcher) expire(pc *pendingCall) {
	if !d.remove(pc) {
		return
	}
	d.log.Warn("rpc.request.timeout", slog.String("id", pc.id), slog.Duration("timeout", d.timeout))
	pc.slot.fill(TimeoutResponse, nil)
}

// remove deletes pc from the table if it is still the current entry for its id.
func (d *Dispatcher) remove(pc *pendingCall) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.pending[pc.id]; ok && cur == pc {
		delete(d.pending, pc.id)
		return true
	}
	return false
}

func (d *Dispatcher) closedErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closeErr != nil {
		return d.closeErr
	}
	return ErrDispatcherClosed
}
