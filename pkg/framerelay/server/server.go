package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tsarna/framerelay/pkg/framerelay"
	"github.com/tsarna/framerelay/pkg/framerelay/channel"
	"github.com/tsarna/framerelay/pkg/framerelay/message"
	"github.com/tsarna/framerelay/pkg/framerelay/o11y"
	"go.uber.org/zap"
)

// Server is the trusted-context end of the relay. It answers relay requests
// arriving on its window by calling the backend and posting the outcome
// back to the requesting window.
type Server struct {
	logger         *zap.Logger
	window         channel.Endpoint
	baseURL        string
	timeout        time.Duration
	headers        map[string]string
	allowedOrigins []string
	serverID       string
	routes         []*compiledRoute
	httpClient     *http.Client
	maxBody        int64
	metrics        *ServerMetrics
	tracing        o11y.TracingProvider

	// Cancelled by Dispose; parent of every outbound call.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	disposed       bool
	removeListener func()

	startTime    time.Time
	requestCount atomic.Int64
	errorCount   atomic.Int64
	inFlight     atomic.Int64
	lastRequest  atomic.Int64 // unix nanos, 0 if none
}

// ServerID returns the id reported in RELAY_READY.
func (s *Server) ServerID() string {
	return s.serverID
}

func (s *Server) handleEvent(ev channel.Event) {
	msg, err := message.Decode(ev.Data)
	if err != nil {
		s.logger.Debug("Ignoring non-relay message", zap.String("origin", ev.Origin))
		s.metrics.RecordDropped(s.ctx)
		return
	}

	switch m := msg.(type) {
	case *message.Request:
		if !s.track() {
			return
		}
		go s.handleRequest(ev, m)
	case *message.Init:
		if !s.track() {
			return
		}
		s.handleInit(ev, m)
	case *message.Response, *message.ErrorReply, *message.Ready:
		// Replies addressed to a client sharing this window.
	}
}

// track registers a handler with wg unless the server is disposed, so that
// Dispose waits for every reply already being produced.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) handleInit(ev channel.Event, init *message.Init) {
	defer s.wg.Done()

	if s.ctx.Err() != nil {
		return
	}

	if init.Config.BaseURL != "" && init.Config.BaseURL != s.baseURL {
		s.logger.Info("Ignoring differing base URL from RELAY_INIT",
			zap.String("correlation_id", init.CorrelationID),
			zap.String("requested", init.Config.BaseURL),
			zap.String("configured", s.baseURL),
		)
	}

	s.metrics.RecordHandshake(s.ctx)
	s.reply(ev, &message.Ready{
		CorrelationID: init.CorrelationID,
		ServerID:      s.serverID,
		Timestamp:     message.Now(),
	})
}

func (s *Server) handleRequest(ev channel.Event, req *message.Request) {
	defer s.wg.Done()

	s.requestCount.Add(1)
	s.lastRequest.Store(time.Now().UnixNano())
	s.metrics.RecordInFlight(s.ctx, s.inFlight.Add(1))
	defer func() {
		s.metrics.RecordInFlight(s.ctx, s.inFlight.Add(-1))
	}()

	ctx, span := o11y.StartSpan(s.ctx, s.tracing, "relay.request")
	defer span.End()
	span.SetAttributes(
		o11y.Label{Key: "relay.target", Value: req.Target},
		o11y.Label{Key: "relay.correlation_id", Value: req.CorrelationID},
		o11y.Label{Key: "relay.origin", Value: ev.Origin},
	)

	recordCompletion := s.metrics.RecordRequest(ctx, req.Target)

	result, err := s.process(ctx, ev.Origin, req)
	recordCompletion(err)

	if s.ctx.Err() != nil {
		s.logger.Debug("Dropping reply after dispose", zap.String("correlation_id", req.CorrelationID))
		return
	}

	if err != nil {
		s.errorCount.Add(1)
		span.SetStatus(o11y.SpanStatusError, err.Error())

		kind := framerelay.KindOf(err)
		s.logger.Warn("Relay request failed",
			zap.String("correlation_id", req.CorrelationID),
			zap.String("target", req.Target),
			zap.String("kind", kind.String()),
			zap.Error(err),
		)

		s.reply(ev, &message.ErrorReply{
			CorrelationID:         req.CorrelationID,
			Error:                 errorMessage(err),
			OriginalCorrelationID: req.CorrelationID,
			ErrorKind:             kind.String(),
			Timestamp:             message.Now(),
		})
		return
	}

	span.SetStatus(o11y.SpanStatusOK, "")
	s.reply(ev, &message.Response{
		CorrelationID: req.CorrelationID,
		Result:        result,
		Timestamp:     message.Now(),
	})
}

// process applies the origin policy and performs the backend call. Panics
// are converted to errors.
func (s *Server) process(ctx context.Context, origin string, req *message.Request) (result message.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic while handling relay request",
				zap.String("correlation_id", req.CorrelationID),
				zap.Any("panic", r),
			)
			err = framerelay.NewError(framerelay.KindUnknown, "internal relay error: %v", r)
		}
	}()

	if !framerelay.OriginAllowed(s.allowedOrigins, origin) {
		return message.Result{}, framerelay.NewError(framerelay.KindPermissionDenied, "origin %q is not allowed", origin)
	}

	return s.callBackend(ctx, req)
}

// errorMessage is the text relayed in RELAY_ERROR: the error without its
// kind prefix.
func errorMessage(err error) string {
	var re *framerelay.Error
	if errors.As(err, &re) {
		msg := re.Message
		if re.Err != nil {
			if msg != "" {
				msg += ": "
			}
			msg += re.Err.Error()
		}
		return msg
	}
	return err.Error()
}

// reply posts m to the window that sent ev.
func (s *Server) reply(ev channel.Event, m message.Message) {
	if ev.Source == nil {
		s.logger.Warn("Cannot reply to message without a source",
			zap.String("kind", string(m.Kind())),
			zap.String("correlation_id", m.ID()),
		)
		return
	}

	data, err := message.Encode(m)
	if err != nil {
		s.logger.Error("Failed to encode reply", zap.String("correlation_id", m.ID()), zap.Error(err))
		return
	}

	targetOrigin := ev.Origin
	if targetOrigin == "" {
		targetOrigin = framerelay.DefaultTargetOrigin
	}

	if err := ev.Source.PostMessage(data, targetOrigin, s.window); err != nil {
		s.logger.Warn("Failed to post reply",
			zap.String("kind", string(m.Kind())),
			zap.String("correlation_id", m.ID()),
			zap.Error(err),
		)
	}
}

// Status is a point-in-time snapshot of a server.
type Status struct {
	ServerID        string        `json:"serverId"`
	BaseURL         string        `json:"baseUrl"`
	Timeout         time.Duration `json:"timeout"`
	Running         bool          `json:"running"`
	RequestCount    int64         `json:"requestCount"`
	ErrorCount      int64         `json:"errorCount"`
	InFlight        int64         `json:"inFlight"`
	StartTime       time.Time     `json:"startTime"`
	LastRequestTime time.Time     `json:"lastRequestTime"`
	Uptime          time.Duration `json:"uptime"`
}

// Status returns a snapshot of the server's counters.
func (s *Server) Status() Status {
	s.mu.Lock()
	running := !s.disposed
	s.mu.Unlock()

	var last time.Time
	if ns := s.lastRequest.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}

	return Status{
		ServerID:        s.serverID,
		BaseURL:         s.baseURL,
		Timeout:         s.timeout,
		Running:         running,
		RequestCount:    s.requestCount.Load(),
		ErrorCount:      s.errorCount.Load(),
		InFlight:        s.inFlight.Load(),
		StartTime:       s.startTime,
		LastRequestTime: last,
		Uptime:          time.Since(s.startTime).Round(time.Second),
	}
}

// Dispose detaches the listener, cancels outbound calls in flight and waits
// for their handlers to finish. No message is posted after it returns.
func (s *Server) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	remove := s.removeListener
	s.removeListener = nil
	s.mu.Unlock()

	if remove != nil {
		remove()
	}
	s.cancel()
	s.wg.Wait()

	s.logger.Info("Relay server disposed",
		zap.String("server_id", s.serverID),
		zap.Int64("requests", s.requestCount.Load()),
		zap.Int64("errors", s.errorCount.Load()),
	)
}
