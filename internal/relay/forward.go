package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/httptunnel/internal/protocol"
	"github.com/httptunnel/internal/store"
)

// response polling: the interval starts small for fast local services and
// doubles to a cap so slow ones don't hammer the store.
const (
	_poll_initial = 50 * time.Millisecond
	_poll_max     = 500 * time.Millisecond
)

// _handle_public_request forwards a public http request through the tunnel
// and blocks until the agent's response arrives or the budget runs out.
func (d *Dispatcher) _handle_public_request(ctx context.Context, p *Payload) *Response {
	started := time.Now()
	resp := d._forward(ctx, p)
	if d.metrics != nil {
		d.metrics.Request(strconv.Itoa(resp.StatusCode), time.Since(started))
	}
	return resp
}

func (d *Dispatcher) _forward(ctx context.Context, p *Payload) *Response {
	method, rawPath, query := _request_line(p)

	tunnelID, rest, pathRouted, err := d._resolve_tunnel(p, rawPath)
	if err != nil {
		d.log.Warn("public request rejected", "path", rawPath, "err", err)
		return _text_response(404, SanitizeErrorMessage(err))
	}
	if err := protocol.ValidateTunnelID(tunnelID); err != nil {
		return _text_response(400, SanitizeErrorMessage(err))
	}

	record, err := d.store.GetChannelByTunnel(ctx, tunnelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return _text_response(404, "Tunnel not found or disconnected")
		}
		d.log.Error("resolving tunnel failed", "tunnel_id", tunnelID, "err", err)
		return _text_response(500, "Internal server error")
	}

	path, err := protocol.ValidatePath(rest)
	if err != nil {
		return _text_response(400, SanitizeErrorMessage(err))
	}

	headers, err := _sanitize_request_headers(p.Headers)
	if err != nil {
		return _text_response(400, SanitizeErrorMessage(err))
	}

	body, err := _request_body(p)
	if err != nil {
		return _text_response(400, "Invalid request body")
	}
	if len(body) > protocol.MaxBodySize {
		return _text_response(413, "Request entity too large")
	}

	uri := path
	if query != "" {
		uri += "?" + query
	}

	requestID := protocol.GenerateRequestID()
	pending := &store.PendingRecord{
		RequestID: requestID,
		TunnelID:  tunnelID,
		ChannelID: record.ChannelID,
		Status:    store.StatusPending,
		CreatedAt: protocol.NowSecs(),
		ExpiresAt: protocol.TTL(PendingTTLSeconds),
	}
	if err := d.store.PutPending(ctx, pending); err != nil {
		d.log.Error("registering pending request failed", "request_id", requestID, "err", err)
		return _text_response(500, "Internal server error")
	}

	frame := &protocol.Message{
		Type: protocol.TypeHTTPRequest,
		Request: &protocol.HTTPRequest{
			RequestID: requestID,
			Method:    method,
			URI:       uri,
			Headers:   headers,
			Body:      protocol.EncodeBody(body),
			Timestamp: protocol.NowMillis(),
		},
	}
	data, err := protocol.Encode(frame)
	if err != nil {
		d.log.Error("encoding tunnel request failed", "request_id", requestID, "err", err)
		d._discard_pending(ctx, requestID)
		return _text_response(500, "Internal server error")
	}

	if err := d.sender.Send(ctx, record.ChannelID, data); err != nil {
		d.log.Warn("delivering request to agent failed", "request_id", requestID, "channel_id", record.ChannelID, "err", err)
		d._discard_pending(ctx, requestID)
		if errors.Is(err, ErrChannelGone) {
			// the rendezvous record outlived the channel; drop it so later
			// requests 404 instead of 502.
			_ = d.store.DeleteChannel(ctx, record.ChannelID)
			return _text_response(404, "Tunnel not found or disconnected")
		}
		return _text_response(502, "Tunnel delivery failed")
	}

	taken, err := d._await_response(ctx, requestID)
	if err != nil {
		d._discard_pending(ctx, requestID)
		resp := _text_response(504, "Request timeout")
		resp.Headers["x-tunnel-error"] = []string{"Gateway Timeout"}
		return resp
	}

	return d._build_public_response(tunnelID, pathRouted, taken)
}

// _resolve_tunnel finds the tunnel id: a subdomain host wins when subdomain
// routing is configured, otherwise the first path segment is consumed.
func (d *Dispatcher) _resolve_tunnel(p *Payload, rawPath string) (tunnelID, rest string, pathRouted bool, err error) {
	if d.domain != "" && p.RequestContext != nil {
		if suffix := "." + d.domain; strings.HasSuffix(p.RequestContext.DomainName, suffix) {
			return strings.TrimSuffix(p.RequestContext.DomainName, suffix), rawPath, false, nil
		}
	}
	tunnelID, rest, err = _split_tunnel_path(rawPath)
	return tunnelID, rest, true, err
}

// _request_line extracts method, path and query from either payload shape.
func _request_line(p *Payload) (method, path, query string) {
	if p.RequestContext != nil && p.RequestContext.HTTP != nil {
		method = p.RequestContext.HTTP.Method
		path = p.RawPath
		if path == "" {
			path = p.RequestContext.HTTP.Path
		}
		return method, path, p.RawQueryString
	}
	return p.HTTPMethod, p.Path, p.RawQueryString
}

// _split_tunnel_path separates the tunnel id prefix from the downstream path.
func _split_tunnel_path(rawPath string) (tunnelID, rest string, err error) {
	trimmed := strings.TrimPrefix(rawPath, "/")
	if trimmed == "" {
		return "", "", fmt.Errorf("Missing tunnel ID in path")
	}
	tunnelID, rest, found := strings.Cut(trimmed, "/")
	if !found {
		return tunnelID, "/", nil
	}
	return tunnelID, "/" + rest, nil
}

// _sanitize_request_headers converts single-value payload headers into
// sanitised wire headers.
func _sanitize_request_headers(in map[string]string) (map[string][]string, error) {
	out := make(map[string][]string, len(in))
	for name, value := range in {
		cleanName, err := protocol.SanitizeHeaderName(name)
		if err != nil {
			// unusable names are dropped rather than failing the request.
			continue
		}
		cleanValue, err := protocol.SanitizeHeaderValue(value)
		if err != nil {
			return nil, err
		}
		out[cleanName] = append(out[cleanName], cleanValue)
	}
	return out, nil
}

// _request_body decodes the payload body, honouring the base64 flag.
func _request_body(p *Payload) ([]byte, error) {
	if p.Body == "" {
		return nil, nil
	}
	if p.IsBase64 {
		return base64.StdEncoding.DecodeString(p.Body)
	}
	return []byte(p.Body), nil
}

// _await_response blocks until the pending record completes, waking early on
// store-change notifications and otherwise polling with doubling intervals.
func (d *Dispatcher) _await_response(ctx context.Context, requestID string) (*store.PendingRecord, error) {
	wake := d.waker.Register(requestID)
	defer d.waker.Cancel(requestID)

	deadline := time.Now().Add(d.timeout)
	interval := _poll_initial

	for {
		record, err := d.store.GetPending(ctx, requestID)
		if err == nil && record.Status == store.StatusCompleted {
			taken, err := d.store.TakePending(ctx, requestID)
			if err == nil {
				return taken, nil
			}
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			d.log.Error("polling pending record failed", "request_id", requestID, "err", err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("Request timeout waiting for %s", requestID)
		}
		wait := interval
		if wait > remaining {
			wait = remaining
		}

		select {
		case <-wake:
			// record completed; loop to take it.
			wake = d.waker.Register(requestID)
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if interval < _poll_max {
			interval *= 2
			if interval > _poll_max {
				interval = _poll_max
			}
		}
	}
}

// _discard_pending removes a record for a request that won't complete.
func (d *Dispatcher) _discard_pending(ctx context.Context, requestID string) {
	if _, err := d.store.TakePending(ctx, requestID); err != nil && !errors.Is(err, store.ErrNotFound) {
		d.log.Warn("discarding pending record failed", "request_id", requestID, "err", err)
	}
}

// _build_public_response turns a completed pending record back into the
// public http response, applying content rewriting for path-based routing.
func (d *Dispatcher) _build_public_response(tunnelID string, pathRouted bool, record *store.PendingRecord) *Response {
	msg, err := protocol.Decode(record.ResponseBlob)
	if err != nil || msg.Type != protocol.TypeHTTPResponse || msg.Response == nil {
		d.log.Error("stored response blob is unusable", "request_id", record.RequestID, "err", err)
		return _text_response(502, "Invalid response from agent")
	}
	agent := msg.Response

	body, err := protocol.DecodeBody(agent.Body)
	if err != nil {
		d.log.Error("decoding agent response body failed", "request_id", record.RequestID, "err", err)
		return _text_response(502, "Invalid response from agent")
	}

	headers := make(map[string][]string, len(agent.Headers)+2)
	for name, values := range agent.Headers {
		headers[strings.ToLower(name)] = values
	}

	// subdomain-routed responses need no link rewriting: the app's own paths
	// already resolve under the tunnel host.
	if pathRouted {
		body = d._apply_rewrite(tunnelID, headers, body)
	}

	return &Response{
		StatusCode: agent.StatusCode,
		Headers:    headers,
		Body:       body,
	}
}

// _apply_rewrite runs content rewriting and fixes the framing headers. a
// rewrite failure must never fail the request, so the original body is the
// fallback throughout.
func (d *Dispatcher) _apply_rewrite(tunnelID string, headers map[string][]string, body []byte) []byte {
	contentType := ""
	if values := headers["content-type"]; len(values) > 0 {
		contentType = values[0]
	}
	if !ShouldRewriteContent(contentType) {
		return body
	}

	rewritten, changed := RewriteResponseContent(string(body), contentType, tunnelID, RewriteFull)
	if !changed {
		return body
	}

	if d.metrics != nil {
		d.metrics.Rewrite(_mime_type(contentType))
	}
	headers["x-tunnel-rewrite-applied"] = []string{"true"}
	headers["content-length"] = []string{strconv.Itoa(len(rewritten))}
	// the body length changed, so any transfer framing from the agent no
	// longer applies.
	delete(headers, "transfer-encoding")
	return []byte(rewritten)
}
