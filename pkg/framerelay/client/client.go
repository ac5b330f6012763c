package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tsarna/framerelay/pkg/framerelay"
	"github.com/tsarna/framerelay/pkg/framerelay/channel"
	"github.com/tsarna/framerelay/pkg/framerelay/message"
	"go.uber.org/zap"
)

// Client is the restricted-context end of the relay. It posts requests to
// the window of its bound target frame and matches the answers arriving on
// its own window by correlation id.
type Client struct {
	// Configuration
	logger       *zap.Logger
	window       channel.Endpoint
	timeout      time.Duration
	maxRetries   int
	retryDelay   time.Duration
	debug        bool
	endpoints    map[string]string
	targetOrigin string
	metrics      *ClientMetrics

	// State, guarded by mu
	mu             sync.Mutex
	initialized    bool
	disposed       bool
	removeListener func()
	target         channel.Frame
	pending        map[string]*pendingRequest
	samples        []time.Duration
	totalRequests  int64
	totalErrors    int64
	lastActivity   time.Time
}

// pendingRequest is the bookkeeping for one Call or Handshake.
type pendingRequest struct {
	id      string
	method  string
	build   func() message.Message
	expects message.Kind
	done    chan outcome
	start   time.Time

	retryCount int
	attempt    int
	retrying   bool
	timer      *time.Timer
	retryTimer *time.Timer
	lastErr    *framerelay.Error
}

type outcome struct {
	result   *Result
	serverID string
	err      error
}

func (p *pendingRequest) stopTimers() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
}

// BindTarget makes frame the single active target. Requests already in
// flight keep running; their retries go to whatever is bound at that time.
func (c *Client) BindTarget(frame channel.Frame) {
	c.mu.Lock()
	c.target = frame
	c.mu.Unlock()
	c.logger.Debug("Relay target bound", zap.Bool("bound", frame != nil))
}

// UnbindTarget clears the active target.
func (c *Client) UnbindTarget() {
	c.BindTarget(nil)
}

// targetWindow returns the bound frame's window. Must hold mu.
func (c *Client) targetWindow() channel.Window {
	if c.target == nil {
		return nil
	}
	return c.target.ContentWindow()
}

// Call relays req to the backend and blocks until an answer arrives, the
// retry budget is spent, the client is disposed or ctx is done.
//
// Validation failures return before anything is sent and never consume a
// retry. Relay failures are returned as *framerelay.Error carrying the
// correlation id.
func (c *Client) Call(ctx context.Context, req Request) (*Result, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	target, payload, err := c.validate(req)
	if err != nil {
		return nil, err
	}

	id := message.NewCorrelationID()
	p := &pendingRequest{
		id:      id,
		method:  req.Method,
		expects: message.KindResponse,
		build: func() message.Message {
			return &message.Request{
				CorrelationID: id,
				Target:        target,
				Payload:       payload,
				Headers:       req.Headers,
				Timestamp:     message.Now(),
			}
		},
	}

	out, err := c.run(ctx, p)
	if err != nil {
		return nil, err
	}
	return out.result, nil
}

// Handshake sends RELAY_INIT and returns the server id from RELAY_READY.
// It follows the same timeout and retry policy as Call.
func (c *Client) Handshake(ctx context.Context, config message.InitConfig) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}

	id := message.NewCorrelationID()
	p := &pendingRequest{
		id:      id,
		method:  string(message.KindInit),
		expects: message.KindReady,
		build: func() message.Message {
			return &message.Init{
				CorrelationID: id,
				Config:        config,
				Timestamp:     message.Now(),
			}
		},
	}

	out, err := c.run(ctx, p)
	if err != nil {
		return "", err
	}
	return out.serverID, nil
}

// ready performs the checks that must pass before anything is sent.
func (c *Client) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return framerelay.NewError(framerelay.KindInitialization, "client destroyed")
	}
	if !c.initialized {
		return framerelay.NewError(framerelay.KindInitialization, "client not initialized")
	}
	if c.target == nil {
		return framerelay.NewError(framerelay.KindNoActiveTarget, "no target bound")
	}
	if c.targetWindow() == nil {
		return framerelay.NewError(framerelay.KindNoActiveTarget, "target window is unreachable")
	}

	return nil
}

func (c *Client) run(ctx context.Context, p *pendingRequest) (outcome, error) {
	p.done = make(chan outcome, 1)
	p.start = time.Now()

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return outcome{}, framerelay.NewError(framerelay.KindInitialization, "client destroyed")
	}
	window := c.targetWindow()
	if window == nil {
		c.mu.Unlock()
		return outcome{}, framerelay.NewError(framerelay.KindNoActiveTarget, "target window is unreachable")
	}
	c.pending[p.id] = p
	c.totalRequests++
	c.lastActivity = p.start
	attempt := c.arm(p)
	pendingCount := len(c.pending)
	c.mu.Unlock()

	c.metrics.RecordRequest(ctx, p.method)
	c.metrics.RecordPending(ctx, pendingCount)

	c.send(p, window, attempt)

	var out outcome
	select {
	case out = <-p.done:
	case <-ctx.Done():
		out = c.abandon(p, ctx.Err())
	}

	return out, out.err
}

// arm starts a new send attempt and its timeout. Must hold mu.
func (c *Client) arm(p *pendingRequest) int {
	p.stopTimers()
	p.attempt++
	p.retrying = false

	attempt := p.attempt
	timeout := c.timeout
	p.timer = time.AfterFunc(timeout, func() {
		c.metrics.RecordTimeout(context.Background())
		c.fail(p.id, attempt, framerelay.NewError(framerelay.KindTimeout, "no response within %s", timeout))
	})

	return attempt
}

func (c *Client) send(p *pendingRequest, window channel.Window, attempt int) {
	msg := p.build()

	data, err := message.Encode(msg)
	if err == nil {
		err = window.PostMessage(data, c.targetOrigin, c.window)
	}

	if err != nil {
		c.logger.Warn("Failed to post relay message",
			zap.String("correlation_id", p.id),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		c.fail(p.id, attempt, framerelay.WrapError(framerelay.KindNetwork, err, "failed to post message"))
		return
	}

	if c.debug {
		c.logger.Debug("Relay message sent",
			zap.String("kind", string(msg.Kind())),
			zap.String("correlation_id", p.id),
			zap.Int("attempt", attempt),
		)
	}
}

// fail records a delivery failure for the given attempt (0 = whichever
// attempt is current) and either schedules a retry or settles the request.
func (c *Client) fail(id string, attempt int, err *framerelay.Error) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok || p.retrying || (attempt != 0 && p.attempt != attempt) {
		c.mu.Unlock()
		if c.debug {
			c.logger.Debug("Ignoring stale failure",
				zap.String("correlation_id", id),
				zap.Error(err),
			)
		}
		return
	}

	p.stopTimers()
	p.lastErr = err
	c.lastActivity = time.Now()

	if p.retryCount < c.maxRetries {
		p.retryCount++
		p.retrying = true
		retry := p.retryCount
		p.retryTimer = time.AfterFunc(c.retryDelay, func() {
			c.retry(id, retry)
		})
		c.mu.Unlock()

		c.logger.Debug("Relay request failed, retrying",
			zap.String("correlation_id", id),
			zap.Int("retry", retry),
			zap.Int("max_retries", c.maxRetries),
			zap.Error(err),
		)
		c.metrics.RecordRetry(context.Background())
		return
	}

	delete(c.pending, id)
	c.totalErrors++
	pendingCount := len(c.pending)
	c.mu.Unlock()

	c.logger.Warn("Relay request failed",
		zap.String("correlation_id", id),
		zap.Int("retries", p.retryCount),
		zap.Error(err),
	)
	c.settle(p, outcome{err: err.WithCorrelationID(id)}, "error", pendingCount)
}

// retry resends p after the retry delay, or fails it if no target remains.
func (c *Client) retry(id string, retry int) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok || !p.retrying || p.retryCount != retry {
		c.mu.Unlock()
		return
	}
	p.retryTimer = nil

	window := c.targetWindow()
	if window == nil {
		delete(c.pending, id)
		c.totalErrors++
		pendingCount := len(c.pending)
		c.mu.Unlock()

		c.logger.Warn("Relay target gone before retry",
			zap.String("correlation_id", id),
			zap.Int("retry", retry),
		)
		c.settle(p, outcome{err: p.lastErr.WithCorrelationID(id)}, "error", pendingCount)
		return
	}

	attempt := c.arm(p)
	c.mu.Unlock()

	c.send(p, window, attempt)
}

// resolve settles the pending request id with a delivered answer.
func (c *Client) resolve(id string, kind message.Kind, out outcome) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok || p.expects != kind {
		c.mu.Unlock()
		c.logger.Debug("Dropping answer for unknown correlation id",
			zap.String("correlation_id", id),
			zap.String("kind", string(kind)),
		)
		return
	}

	delete(c.pending, id)
	p.stopTimers()
	elapsed := time.Since(p.start)
	c.samples = append(c.samples, elapsed)
	if len(c.samples) > framerelay.MaxResponseSamples {
		c.samples = c.samples[len(c.samples)-framerelay.MaxResponseSamples:]
	}
	c.lastActivity = time.Now()
	pendingCount := len(c.pending)
	c.mu.Unlock()

	c.settle(p, out, "success", pendingCount)
}

// abandon removes p after its caller stopped waiting. If p settled in the
// meantime its outcome is returned instead.
func (c *Client) abandon(p *pendingRequest, cause error) outcome {
	c.mu.Lock()
	if current, ok := c.pending[p.id]; !ok || current != p {
		c.mu.Unlock()
		return <-p.done
	}
	delete(c.pending, p.id)
	p.stopTimers()
	c.totalErrors++
	pendingCount := len(c.pending)
	c.mu.Unlock()

	kind := framerelay.KindUnknown
	if errors.Is(cause, context.DeadlineExceeded) {
		kind = framerelay.KindTimeout
	}
	err := framerelay.WrapError(kind, cause, "caller stopped waiting").WithCorrelationID(p.id)

	c.metrics.RecordOutcome(context.Background(), "abandoned", time.Since(p.start))
	c.metrics.RecordPending(context.Background(), pendingCount)

	return outcome{err: err}
}

// settle delivers the single outcome of p. Callers must already have
// removed p from the pending map, which is what makes it single.
func (c *Client) settle(p *pendingRequest, out outcome, label string, pendingCount int) {
	c.metrics.RecordOutcome(context.Background(), label, time.Since(p.start))
	c.metrics.RecordPending(context.Background(), pendingCount)
	p.done <- out
}

// handleEvent is the listener on the client's own window.
func (c *Client) handleEvent(ev channel.Event) {
	msg, err := message.Decode(ev.Data)
	if err != nil {
		if c.debug {
			c.logger.Debug("Ignoring non-relay message", zap.String("origin", ev.Origin))
		}
		return
	}

	if c.debug {
		c.logger.Debug("Relay message received",
			zap.String("kind", string(msg.Kind())),
			zap.String("correlation_id", msg.ID()),
			zap.String("origin", ev.Origin),
		)
	}

	switch m := msg.(type) {
	case *message.Response:
		result := m.Result
		c.resolve(m.CorrelationID, message.KindResponse, outcome{result: &result})
	case *message.Ready:
		c.resolve(m.CorrelationID, message.KindReady, outcome{serverID: m.ServerID})
	case *message.ErrorReply:
		kind := framerelay.KindNetwork
		if m.ErrorKind != "" {
			kind = framerelay.ParseErrorKind(m.ErrorKind)
		}
		c.fail(m.CorrelationID, 0, framerelay.NewError(kind, "%s", m.Error))
	case *message.Request, *message.Init:
		// Addressed to a server sharing this window.
	}
}

// Status is a point-in-time snapshot of a client.
type Status struct {
	Initialized         bool          `json:"initialized"`
	HasTarget           bool          `json:"hasTarget"`
	PendingRequests     int           `json:"pendingRequests"`
	TotalRequests       int64         `json:"totalRequests"`
	TotalErrors         int64         `json:"totalErrors"`
	AverageResponseTime time.Duration `json:"averageResponseTime"`
	LastActivity        time.Time     `json:"lastActivity"`
}

// Status returns a snapshot of the client's counters.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	var avg time.Duration
	if len(c.samples) > 0 {
		var sum time.Duration
		for _, s := range c.samples {
			sum += s
		}
		avg = (sum / time.Duration(len(c.samples))).Round(time.Millisecond)
	}

	return Status{
		Initialized:         c.initialized && !c.disposed,
		HasTarget:           c.target != nil,
		PendingRequests:     len(c.pending),
		TotalRequests:       c.totalRequests,
		TotalErrors:         c.totalErrors,
		AverageResponseTime: avg,
		LastActivity:        c.lastActivity,
	}
}

// Dispose fails every pending request, stops all timers, detaches the
// listener and clears the target. Later calls fail with an
// initialization error.
func (c *Client) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true

	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	for _, p := range pending {
		p.stopTimers()
	}
	remove := c.removeListener
	c.removeListener = nil
	c.target = nil
	c.mu.Unlock()

	if remove != nil {
		remove()
	}

	for id, p := range pending {
		err := framerelay.NewError(framerelay.KindInitialization, "client destroyed").WithCorrelationID(id)
		c.settle(p, outcome{err: err}, "disposed", 0)
	}

	c.logger.Debug("Relay client disposed", zap.Int("abandoned_requests", len(pending)))
}
