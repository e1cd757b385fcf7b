package forwarder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/httptunnel/internal/protocol"
)

// methods the forwarder will replay against the local service.
var _allowed_methods = map[string]bool{
	"GET":     true,
	"POST":    true,
	"PUT":     true,
	"DELETE":  true,
	"PATCH":   true,
	"HEAD":    true,
	"OPTIONS": true,
}

// headers owned by the transport; replaying them confuses the local server.
var _skip_request_headers = map[string]bool{
	"host":              true,
	"connection":        true,
	"upgrade":           true,
	"transfer-encoding": true,
	"content-length":    true,
}

// LocalClient executes tunnelled requests against the local service and
// shapes the results as protocol envelopes.
type LocalClient struct {
	targetURL string
	client    *http.Client
	log       *slog.Logger
}

// NewLocalClient creates a client targeting the given base url.
func NewLocalClient(targetURL string, timeout time.Duration, log *slog.Logger) *LocalClient {
	return &LocalClient{
		targetURL: strings.TrimSuffix(targetURL, "/"),
		client:    &http.Client{Timeout: timeout},
		log:       log.With("component", "local"),
	}
}

// Execute replays a tunnelled request and returns either an http_response or
// an error envelope, never a Go error: every failure mode has a wire shape.
func (c *LocalClient) Execute(ctx context.Context, req *protocol.HTTPRequest) *protocol.Message {
	started := time.Now()

	method := strings.ToUpper(req.Method)
	if !_allowed_methods[method] {
		return _error_message(req.RequestID, protocol.CodeInvalidRequest,
			fmt.Sprintf("method not allowed: %s", req.Method))
	}

	var bodyReader io.Reader
	if req.HasBody() {
		body, err := protocol.DecodeBody(req.Body)
		if err != nil {
			return _error_message(req.RequestID, protocol.CodeInvalidRequest, "undecodable request body")
		}
		bodyReader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.targetURL+req.URI, bodyReader)
	if err != nil {
		return _error_message(req.RequestID, protocol.CodeInvalidRequest,
			fmt.Sprintf("building request: %v", err))
	}
	for name, values := range req.Headers {
		if _skip_request_headers[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	httpReq.Host = httpReq.URL.Host

	resp, err := c.client.Do(httpReq)
	if err != nil {
		code := protocol.CodeLocalServiceUnavailable
		if errors.Is(err, context.DeadlineExceeded) || _is_timeout(err) {
			code = protocol.CodeTimeout
		}
		c.log.Warn("local request failed", "request_id", req.RequestID, "method", method, "uri", req.URI, "err", err)
		return _error_message(req.RequestID, code, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, protocol.MaxBodySize))
	if err != nil {
		return _error_message(req.RequestID, protocol.CodeInternalError,
			fmt.Sprintf("reading response body: %v", err))
	}

	elapsed := time.Since(started)
	c.log.Debug("local request finished", "request_id", req.RequestID, "method", method,
		"uri", req.URI, "status", resp.StatusCode, "elapsed", elapsed)

	return &protocol.Message{
		Type: protocol.TypeHTTPResponse,
		Response: &protocol.HTTPResponse{
			RequestID:        req.RequestID,
			StatusCode:       resp.StatusCode,
			Headers:          protocol.HeadersToMap(resp.Header),
			Body:             protocol.EncodeBody(body),
			ProcessingTimeMS: elapsed.Milliseconds(),
		},
	}
}

// _is_timeout reports whether a client error was a timeout.
func _is_timeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return strings.Contains(err.Error(), "Client.Timeout exceeded")
}

// _error_message builds an error envelope for a failed request.
func _error_message(requestID, code, msg string) *protocol.Message {
	return &protocol.Message{
		Type:      protocol.TypeError,
		RequestID: requestID,
		Code:      code,
		ErrorMsg:  msg,
	}
}
