package authority

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/facebridge/errors"
	"github.com/c360/facebridge/protocol"
)

// result is the single-fulfillment slot of a pending request.
type result struct {
	resp *protocol.Response
	err  error
}

// Pending is one in-flight outbound request awaiting its response.
type Pending struct {
	cmd     string
	created time.Time
	ch      chan result
}

// Correlator matches asynchronous responses to outstanding requests by
// command name. Each command name owns a FIFO queue of pending requests;
// a response fulfills the oldest entry under its tag. The protocol carries
// no per-request identifier, so correctness rests on the remote answering
// same-named requests in the order received.
type Correlator struct {
	mu     sync.Mutex
	queues map[string][]*Pending
	logger *slog.Logger
}

// NewCorrelator creates an empty correlator.
func NewCorrelator(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		queues: make(map[string][]*Pending),
		logger: logger.With("component", "correlator"),
	}
}

// Add registers a pending request under cmd. Call before flushing the
// request bytes so a fast response cannot arrive unmatched.
func (c *Correlator) Add(cmd string) *Pending {
	p := &Pending{
		cmd:     cmd,
		created: time.Now(),
		ch:      make(chan result, 1),
	}
	c.mu.Lock()
	c.queues[cmd] = append(c.queues[cmd], p)
	c.mu.Unlock()
	return p
}

// Resolve fulfills the oldest pending request under the response's tag.
// Returns false when nothing is pending for it; such envelopes are
// expected (unsolicited pushes share the channel) and are dropped by the
// caller with a warning.
func (c *Correlator) Resolve(resp *protocol.Response) bool {
	c.mu.Lock()
	queue := c.queues[resp.Ret]
	if len(queue) == 0 {
		c.mu.Unlock()
		return false
	}
	p := queue[0]
	c.queues[resp.Ret] = queue[1:]
	c.mu.Unlock()

	p.ch <- result{resp: resp}
	return true
}

// remove unlinks p from its queue. Returns false when p was already
// fulfilled or removed.
func (c *Correlator) remove(p *Pending) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.queues[p.cmd]
	for i, q := range queue {
		if q == p {
			c.queues[p.cmd] = append(queue[:i], queue[i+1:]...)
			return true
		}
	}
	return false
}

// FailAll fulfills every pending request with err. Called on disconnect
// so no caller blocks past the life of the connection.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	var all []*Pending
	for cmd, queue := range c.queues {
		all = append(all, queue...)
		delete(c.queues, cmd)
	}
	c.mu.Unlock()

	for _, p := range all {
		p.ch <- result{err: err}
	}
	if len(all) > 0 {
		c.logger.Warn("failed pending requests", "count", len(all), "error", err)
	}
}

// PendingCount returns the number of outstanding requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, queue := range c.queues {
		n += len(queue)
	}
	return n
}

// Await blocks until the request is fulfilled, its deadline passes, or ctx
// ends. On expiry the pending entry is unlinked; if fulfillment won the
// race the response is returned instead of the timeout.
func (c *Correlator) Await(ctx context.Context, p *Pending, deadline time.Duration) (*protocol.Response, error) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case res := <-p.ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.resp, nil
	case <-timer.C:
		return c.cancel(p, errors.WrapTransient(errors.ErrTimeout, "correlator", "Await", "await "+p.cmd))
	case <-ctx.Done():
		return c.cancel(p, errors.WrapTransient(ctx.Err(), "correlator", "Await", "await "+p.cmd))
	}
}

// cancel removes p, preferring a response that was delivered concurrently.
func (c *Correlator) cancel(p *Pending, failure error) (*protocol.Response, error) {
	if c.remove(p) {
		return nil, failure
	}
	// Already fulfilled; the slot holds the result.
	res := <-p.ch
	if res.err != nil {
		return nil, res.err
	}
	return res.resp, nil
}
