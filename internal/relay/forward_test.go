package relay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/httptunnel/internal/protocol"
)

func _public_request(method, path, query string, headers map[string]string, body string) *Payload {
	return &Payload{
		RequestContext: &RequestContext{
			HTTP: &HTTPContext{Method: method, Path: path},
		},
		RawPath:        path,
		RawQueryString: query,
		Headers:        headers,
		Body:           body,
	}
}

func Test_public_request_round_trip(t *testing.T) {
	d, _, sender := _test_dispatcher(t)
	tunnelID := _open_channel(t, d, "ch-fwd-1")

	// act as the agent: answer every http_request frame through the
	// dispatcher, the way a real agent would over its channel.
	sender.onSend = func(channelID string, msg *protocol.Message) {
		if msg.Type != protocol.TypeHTTPRequest {
			return
		}
		go _agent_frame(t, d, channelID, &protocol.Message{
			Type: protocol.TypeHTTPResponse,
			Response: &protocol.HTTPResponse{
				RequestID:  msg.Request.RequestID,
				StatusCode: 201,
				Headers: map[string][]string{
					"content-type": {"text/plain; charset=utf-8"},
					"x-echo-uri":   {msg.Request.URI},
				},
				Body: protocol.EncodeBody([]byte("created")),
			},
		})
	}

	resp := d.Handle(context.Background(), _public_request(
		"POST", "/"+tunnelID+"/api/items", "limit=5",
		map[string]string{"Content-Type": "application/json"},
		`{"name":"x"}`,
	))

	if resp.StatusCode != 201 {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, resp.Body)
	}
	if string(resp.Body) != "created" {
		t.Errorf("body mismatch: %q", resp.Body)
	}
	if got := resp.Headers["x-echo-uri"]; len(got) != 1 || got[0] != "/api/items?limit=5" {
		t.Errorf("tunnel prefix not stripped from forwarded uri: %v", got)
	}
}

func Test_public_request_unknown_tunnel(t *testing.T) {
	d, _, _ := _test_dispatcher(t)
	resp := d.Handle(context.Background(), _public_request("GET", "/zzz999zzz999/api", "", nil, ""))
	if resp.StatusCode != 404 {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func Test_public_request_invalid_tunnel_id(t *testing.T) {
	d, _, _ := _test_dispatcher(t)
	resp := d.Handle(context.Background(), _public_request("GET", "/NOT-VALID/api", "", nil, ""))
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(resp.Body), "Invalid tunnel ID") {
		t.Errorf("expected safe validation message, got %q", resp.Body)
	}
}

func Test_public_request_missing_tunnel_id(t *testing.T) {
	d, _, _ := _test_dispatcher(t)
	resp := d.Handle(context.Background(), _public_request("GET", "/", "", nil, ""))
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(resp.Body), "Missing tunnel ID") {
		t.Errorf("expected safe message, got %q", resp.Body)
	}
}

func Test_public_request_oversized_body(t *testing.T) {
	d, _, _ := _test_dispatcher(t)
	tunnelID := _open_channel(t, d, "ch-size-1")

	big := strings.Repeat("a", protocol.MaxBodySize+1)
	resp := d.Handle(context.Background(), _public_request("POST", "/"+tunnelID+"/upload", "", nil, big))
	if resp.StatusCode != 413 {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(resp.Body), "Request entity too large") {
		t.Errorf("expected safe message, got %q", resp.Body)
	}
}

func Test_public_request_oversized_header(t *testing.T) {
	d, _, _ := _test_dispatcher(t)
	tunnelID := _open_channel(t, d, "ch-hdr-1")

	headers := map[string]string{"X-Big": strings.Repeat("v", protocol.MaxHeaderValueLength+1)}
	resp := d.Handle(context.Background(), _public_request("GET", "/"+tunnelID+"/api", "", headers, ""))
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(resp.Body), "HeaderValueTooLong") {
		t.Errorf("expected safe message, got %q", resp.Body)
	}
}

func Test_public_request_times_out(t *testing.T) {
	d, mem, _ := _test_dispatcher(t)
	tunnelID := _open_channel(t, d, "ch-slow-1")
	d.timeout = 300 * time.Millisecond

	// the agent never answers
	resp := d.Handle(context.Background(), _public_request("GET", "/"+tunnelID+"/slow", "", nil, ""))
	if resp.StatusCode != 504 {
		t.Fatalf("expected 504, got %d", resp.StatusCode)
	}
	if got := resp.Headers["x-tunnel-error"]; len(got) != 1 || got[0] != "Gateway Timeout" {
		t.Errorf("x-tunnel-error missing: %v", got)
	}
	if !strings.Contains(string(resp.Body), "Request timeout") {
		t.Errorf("expected safe message, got %q", resp.Body)
	}

	// the abandoned pending record must be gone
	time.Sleep(50 * time.Millisecond)
	if removed, _ := mem.DeleteExpiredPending(context.Background(), protocol.NowSecs()+60); removed != 0 {
		t.Errorf("pending record leaked after timeout")
	}
}

func Test_public_request_agent_gone(t *testing.T) {
	d, _, sender := _test_dispatcher(t)
	tunnelID := _open_channel(t, d, "ch-gone-1")
	sender.fail = ErrChannelGone

	resp := d.Handle(context.Background(), _public_request("GET", "/"+tunnelID+"/api", "", nil, ""))
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404 for vanished channel, got %d", resp.StatusCode)
	}

	// the stale rendezvous record is dropped so the next request fails fast
	sender.fail = nil
	resp = d.Handle(context.Background(), _public_request("GET", "/"+tunnelID+"/api", "", nil, ""))
	if resp.StatusCode != 404 {
		t.Errorf("expected 404 after record cleanup, got %d", resp.StatusCode)
	}
}

func Test_public_request_agent_error_mapped(t *testing.T) {
	d, _, sender := _test_dispatcher(t)
	tunnelID := _open_channel(t, d, "ch-errmap-1")

	sender.onSend = func(channelID string, msg *protocol.Message) {
		if msg.Type != protocol.TypeHTTPRequest {
			return
		}
		go _agent_frame(t, d, channelID, &protocol.Message{
			Type:      protocol.TypeError,
			RequestID: msg.Request.RequestID,
			Code:      protocol.CodeLocalServiceUnavailable,
			ErrorMsg:  "connection refused",
		})
	}

	resp := d.Handle(context.Background(), _public_request("GET", "/"+tunnelID+"/api", "", nil, ""))
	if resp.StatusCode != 503 {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}

func Test_public_response_html_rewritten(t *testing.T) {
	d, _, sender := _test_dispatcher(t)
	tunnelID := _open_channel(t, d, "ch-html-1")

	html := `<html><head></head><body><a href="/api/users">Users</a></body></html>`
	sender.onSend = func(channelID string, msg *protocol.Message) {
		if msg.Type != protocol.TypeHTTPRequest {
			return
		}
		go _agent_frame(t, d, channelID, &protocol.Message{
			Type: protocol.TypeHTTPResponse,
			Response: &protocol.HTTPResponse{
				RequestID:  msg.Request.RequestID,
				StatusCode: 200,
				Headers: map[string][]string{
					"content-type":      {"text/html; charset=utf-8"},
					"transfer-encoding": {"chunked"},
				},
				Body: protocol.EncodeBody([]byte(html)),
			},
		})
	}

	resp := d.Handle(context.Background(), _public_request("GET", "/"+tunnelID+"/", "", nil, ""))
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body := string(resp.Body)
	if !strings.Contains(body, `href="/`+tunnelID+`/api/users"`) {
		t.Errorf("links not rewritten: %q", body)
	}
	if !strings.Contains(body, "window.__TUNNEL_CONTEXT__") {
		t.Errorf("context script missing: %q", body)
	}
	if got := resp.Headers["x-tunnel-rewrite-applied"]; len(got) != 1 || got[0] != "true" {
		t.Errorf("rewrite marker missing: %v", got)
	}
	if _, ok := resp.Headers["transfer-encoding"]; ok {
		t.Error("transfer-encoding survived rewrite")
	}
	if got := resp.Headers["content-length"]; len(got) != 1 {
		t.Errorf("content-length not recomputed: %v", got)
	}
}

func Test_public_response_binary_untouched(t *testing.T) {
	d, _, sender := _test_dispatcher(t)
	tunnelID := _open_channel(t, d, "ch-bin-1")

	payload := []byte{0x89, 0x50, 0x4e, 0x47}
	sender.onSend = func(channelID string, msg *protocol.Message) {
		if msg.Type != protocol.TypeHTTPRequest {
			return
		}
		go _agent_frame(t, d, channelID, &protocol.Message{
			Type: protocol.TypeHTTPResponse,
			Response: &protocol.HTTPResponse{
				RequestID:  msg.Request.RequestID,
				StatusCode: 200,
				Headers:    map[string][]string{"content-type": {"image/png"}},
				Body:       protocol.EncodeBody(payload),
			},
		})
	}

	resp := d.Handle(context.Background(), _public_request("GET", "/"+tunnelID+"/logo.png", "", nil, ""))
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if string(resp.Body) != string(payload) {
		t.Errorf("binary body altered: %v", resp.Body)
	}
	if _, ok := resp.Headers["x-tunnel-rewrite-applied"]; ok {
		t.Error("rewrite marker set for binary content")
	}
}

func Test_public_request_subdomain_routing(t *testing.T) {
	d, _, sender := _test_dispatcher(t)
	d.domain = "tunnel.example.com"
	tunnelID := _open_channel(t, d, "ch-sub-1")

	html := `<html><head></head><body><a href="/api/users">Users</a></body></html>`
	sender.onSend = func(channelID string, msg *protocol.Message) {
		if msg.Type != protocol.TypeHTTPRequest {
			return
		}
		go _agent_frame(t, d, channelID, &protocol.Message{
			Type: protocol.TypeHTTPResponse,
			Response: &protocol.HTTPResponse{
				RequestID:  msg.Request.RequestID,
				StatusCode: 200,
				Headers: map[string][]string{
					"content-type": {"text/html; charset=utf-8"},
					"x-echo-uri":   {msg.Request.URI},
				},
				Body: protocol.EncodeBody([]byte(html)),
			},
		})
	}

	p := _public_request("GET", "/api/users", "", nil, "")
	p.RequestContext.DomainName = tunnelID + ".tunnel.example.com"

	resp := d.Handle(context.Background(), p)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, resp.Body)
	}
	// the host carries the tunnel id, so the path reaches the agent untouched
	if got := resp.Headers["x-echo-uri"]; len(got) != 1 || got[0] != "/api/users" {
		t.Errorf("path altered in subdomain mode: %v", got)
	}
	// and links need no rewriting
	if _, ok := resp.Headers["x-tunnel-rewrite-applied"]; ok {
		t.Error("rewrite applied in subdomain mode")
	}
}

func Test_split_tunnel_path(t *testing.T) {
	cases := []struct {
		in     string
		tunnel string
		rest   string
	}{
		{"/abc123def456/api/users", "abc123def456", "/api/users"},
		{"/abc123def456", "abc123def456", "/"},
		{"/abc123def456/", "abc123def456", "/"},
	}
	for _, tc := range cases {
		tunnel, rest, err := _split_tunnel_path(tc.in)
		if err != nil {
			t.Errorf("path %q: unexpected error: %v", tc.in, err)
			continue
		}
		if tunnel != tc.tunnel || rest != tc.rest {
			t.Errorf("path %q: got (%q, %q), want (%q, %q)", tc.in, tunnel, rest, tc.tunnel, tc.rest)
		}
	}

	if _, _, err := _split_tunnel_path("/"); err == nil {
		t.Error("expected error for bare slash")
	}
	if _, _, err := _split_tunnel_path(""); err == nil {
		t.Error("expected error for empty path")
	}
}
