package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tsarna/framerelay/pkg/framerelay"
	"github.com/tsarna/framerelay/pkg/framerelay/message"
	"go.uber.org/zap"
)

// DefaultMaxResponseBody bounds how much of a backend response is read.
const DefaultMaxResponseBody = 10 << 20

// CorrelationHeader carries the relay correlation id on outbound calls.
const CorrelationHeader = "X-Relay-Correlation-Id"

// callBackend performs the outbound call for req and converts the backend's
// answer into a relay result. Errors are *framerelay.Error values.
func (s *Server) callBackend(ctx context.Context, req *message.Request) (message.Result, error) {
	route := s.resolve(req.Target)
	endpoint := s.baseURL + route.path

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	body := req.Payload
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}

	httpReq, err := http.NewRequestWithContext(ctx, route.method, endpoint, bytes.NewReader(body))
	if err != nil {
		return message.Result{}, framerelay.WrapError(framerelay.KindNetwork, err, "failed to build backend request")
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for name, value := range s.headers {
		httpReq.Header.Set(name, value)
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}
	httpReq.Header.Set(CorrelationHeader, req.CorrelationID)

	s.logger.Debug("Calling backend",
		zap.String("correlation_id", req.CorrelationID),
		zap.String("method", route.method),
		zap.String("url", endpoint),
	)

	start := time.Now()
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		s.metrics.RecordBackend(ctx, 0, time.Since(start))
		if errors.Is(err, context.DeadlineExceeded) {
			return message.Result{}, framerelay.WrapError(framerelay.KindTimeout, err, "backend did not respond within %s", s.timeout)
		}
		return message.Result{}, framerelay.WrapError(framerelay.KindNetwork, err, "backend request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody+1))
	s.metrics.RecordBackend(ctx, resp.StatusCode, time.Since(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return message.Result{}, framerelay.WrapError(framerelay.KindTimeout, err, "backend did not respond within %s", s.timeout)
		}
		return message.Result{}, framerelay.WrapError(framerelay.KindNetwork, err, "failed to read backend response")
	}
	if int64(len(data)) > s.maxBody {
		return message.Result{}, framerelay.NewError(framerelay.KindInvalidResponse, "backend response exceeds %d bytes", s.maxBody)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := fmt.Sprintf("backend returned HTTP %d", resp.StatusCode)
		if detail := errorText(data); detail != "" {
			msg += ": " + detail
		}
		return message.Result{}, framerelay.NewError(framerelay.KindNetwork, "%s", msg)
	}

	return interpretBody(ctx, data, route, req.Target)
}

// interpretBody turns a 2xx backend body into a relay result. A non-empty
// "error" field means the backend refused the call; otherwise the "data"
// field, or the whole body when there is none, is relayed.
func interpretBody(ctx context.Context, body []byte, route resolvedRoute, target string) (message.Result, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		body = []byte("null")
	}
	if !gjson.ValidBytes(body) {
		return message.Result{}, framerelay.NewError(framerelay.KindInvalidResponse, "backend response is not valid JSON")
	}

	if detail := errorText(body); detail != "" {
		return message.Result{Success: false, Error: detail}, nil
	}

	raw := body
	if field := gjson.GetBytes(body, "data"); field.Exists() {
		raw = []byte(field.Raw)
	}

	if route.filter != nil {
		var input any
		if err := json.Unmarshal(raw, &input); err != nil {
			return message.Result{}, framerelay.WrapError(framerelay.KindInvalidResponse, err, "failed to decode backend data")
		}

		output, err := applyFilter(ctx, route.filter, input, target)
		if err != nil {
			return message.Result{}, framerelay.WrapError(framerelay.KindInvalidResponse, err, "failed to filter backend data")
		}

		raw, err = json.Marshal(output)
		if err != nil {
			return message.Result{}, framerelay.WrapError(framerelay.KindInvalidResponse, err, "failed to encode filtered data")
		}
	}

	return message.Result{Success: true, Data: json.RawMessage(raw)}, nil
}

// errorText extracts a human readable error from a JSON body's "error"
// field. It returns "" when the body carries no error.
func errorText(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}

	field := gjson.GetBytes(body, "error")
	switch {
	case !field.Exists():
		return ""
	case field.Type == gjson.String:
		return field.Str
	case field.Type == gjson.Null, field.Type == gjson.False:
		return ""
	case field.IsObject():
		if msg := field.Get("message"); msg.Type == gjson.String && msg.Str != "" {
			return msg.Str
		}
		return field.Raw
	default:
		return field.Raw
	}
}
