package vkapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const methodExecute = "execute"

var tracer = otel.Tracer("github.com/spotty-im/spotty/internal/vkapi")

// outcome is the single resolution of a pending call.
type outcome struct {
	value json.RawMessage
	err   error
}

// pendingCall is one queued call awaiting a batch flush. It is created by
// Enqueue, owned by the scheduler until resolved, and resolved exactly once.
type pendingCall struct {
	id     string
	method string
	code   string

	once   sync.Once
	result chan outcome
}

func newPendingCall(method string) *pendingCall {
	return &pendingCall{
		id:     uuid.NewString(),
		method: method,
		result: make(chan outcome, 1),
	}
}

// resolve delivers the outcome. Later calls are no-ops, so a call can never
// be double-resolved even if the scheduler sees it through two paths.
func (p *pendingCall) resolve(value json.RawMessage, err error) {
	p.once.Do(func() {
		p.result <- outcome{value: value, err: err}
	})
}

// Future is the caller's handle to a queued call. Only the owning caller
// waits on it; the scheduler resolves it.
type Future struct {
	p *pendingCall
}

// Await blocks until the call is resolved or the context is done. The
// result channel is buffered, so an abandoned Future costs nothing.
func (f *Future) Await(ctx context.Context) (json.RawMessage, error) {
	select {
	case out := <-f.p.result:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Enqueue queues a call for batched execution and returns its Future
// without blocking. Parameters are encoded up front so a bad value fails the
// caller synchronously instead of poisoning a batch.
func (c *Client) Enqueue(method string, params Params) *Future {
	p := newPendingCall(method)

	if params == nil {
		params = Params{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		p.resolve(nil, fmt.Errorf("vkapi: encode params for %s: %w", method, err))
		return &Future{p: p}
	}
	p.code = fmt.Sprintf("[%q,API.%s(%s)]", p.id, method, encoded)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		p.resolve(nil, &TransportError{Cause: ErrClientClosed})
		return &Future{p: p}
	}
	c.queue = append(c.queue, p)
	c.mu.Unlock()

	return &Future{p: p}
}

// run is the scheduler loop: one flush of up to batchLimit calls per tick.
// Calls past the limit stay queued in order and go out on later ticks.
func (c *Client) run() {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush(context.Background())
		case <-c.done:
			c.failRemaining()
			return
		}
	}
}

// takeBatch removes up to batchLimit oldest calls from the queue in FIFO
// order. Once taken, the batch is the flusher's to resolve.
func (c *Client) takeBatch() []*pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := min(len(c.queue), c.batchLimit)
	if n == 0 {
		return nil
	}
	batch := c.queue[:n:n]
	c.queue = append([]*pendingCall(nil), c.queue[n:]...)
	return batch
}

// flush drains one batch through a single "execute" call and routes each
// [correlationId, result] pair back to its pending call. Every call taken
// from the queue is resolved before flush returns, whatever happens to the
// batch transport.
func (c *Client) flush(ctx context.Context) {
	batch := c.takeBatch()
	if len(batch) == 0 {
		return
	}

	ctx, span := tracer.Start(ctx, "vkapi.flush")
	span.SetAttributes(attribute.Int("batch.size", len(batch)))
	defer span.End()

	raw, err := c.callDirect(ctx, methodExecute, Params{"code": executeCode(batch)}, 1)
	if err != nil {
		// The batch transport failed as a whole; no partial success is
		// invented for any member.
		for _, p := range batch {
			p.resolve(nil, err)
		}
		c.logger.Warn("batch flush failed",
			slog.Int("size", len(batch)),
			slog.String("error", err.Error()),
		)
		return
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		terr := &TransportError{Cause: fmt.Errorf("decode execute envelope: %w", err)}
		for _, p := range batch {
			p.resolve(nil, terr)
		}
		return
	}

	c.settle(batch, env)
}

// falseSentinel is how "execute" marks an individual failed item in the
// result array.
var falseSentinel = []byte("false")

// settle resolves every batch member from the execute response. Pairs are
// matched by correlation ID, never by position. Per-item errors are consumed
// FIFO against failed items in return order; if the platform returns fewer
// errors than failed items, the orphaned items get an explicit error rather
// than someone else's.
func (c *Client) settle(batch []*pendingCall, env envelope) {
	byID := make(map[string]*pendingCall, len(batch))
	for _, p := range batch {
		byID[p.id] = p
	}

	var pairs []json.RawMessage
	if err := json.Unmarshal(env.Response, &pairs); err != nil {
		terr := &TransportError{Cause: fmt.Errorf("decode execute response: %w", err)}
		for _, p := range batch {
			p.resolve(nil, terr)
		}
		return
	}

	errq := env.ExecuteErrors
	for _, pair := range pairs {
		var parts []json.RawMessage
		if err := json.Unmarshal(pair, &parts); err != nil || len(parts) != 2 {
			c.logger.Warn("malformed execute result pair", slog.String("pair", string(pair)))
			continue
		}
		var id string
		if err := json.Unmarshal(parts[0], &id); err != nil {
			c.logger.Warn("malformed correlation id in execute result", slog.String("pair", string(pair)))
			continue
		}
		p, ok := byID[id]
		if !ok {
			c.logger.Warn("execute result for unknown correlation id", slog.String("id", id))
			continue
		}
		delete(byID, id)

		if bytes.Equal(bytes.TrimSpace(parts[1]), falseSentinel) && len(errq) > 0 {
			e := errq[0]
			errq = errq[1:]
			p.resolve(nil, &e)
			continue
		}
		if bytes.Equal(bytes.TrimSpace(parts[1]), falseSentinel) {
			p.resolve(nil, fmt.Errorf("vkapi: call %s failed in execute with no error detail", p.method))
			continue
		}
		p.resolve(parts[1], nil)
	}

	// A member the platform never answered for still gets an outcome.
	for id, p := range byID {
		c.logger.Warn("no execute result for queued call",
			slog.String("id", id),
			slog.String("method", p.method),
		)
		p.resolve(nil, fmt.Errorf("vkapi: no execute result for call %s", p.method))
	}
}

// executeCode builds the server-side script returning ordered
// [correlationId, result] pairs for every call in the batch.
func executeCode(batch []*pendingCall) string {
	codes := make([]string, len(batch))
	for i, p := range batch {
		codes[i] = p.code
	}
	return "return [" + strings.Join(codes, ",") + "];"
}

// failRemaining rejects everything still queued at shutdown.
func (c *Client) failRemaining() {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, p := range pending {
		p.resolve(nil, &TransportError{Cause: ErrClientClosed})
	}
}
