package forwarder

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/httptunnel/internal/protocol"
)

func _test_logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func _tunnelled(method, uri string, headers map[string][]string, body []byte) *protocol.HTTPRequest {
	req := &protocol.HTTPRequest{
		RequestID: protocol.GenerateRequestID(),
		Method:    method,
		URI:       uri,
		Headers:   headers,
		Timestamp: protocol.NowMillis(),
	}
	if len(body) > 0 {
		req.Body = protocol.EncodeBody(body)
	}
	return req
}

func Test_execute_round_trip(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("method lost: %s", r.Method)
		}
		if r.URL.Path != "/api/items" || r.URL.RawQuery != "limit=5" {
			t.Errorf("uri lost: %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		if got := r.Header.Get("x-custom"); got != "value" {
			t.Errorf("header lost: %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"name":"x"}` {
			t.Errorf("body lost: %q", body)
		}
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(201)
		io.WriteString(w, "created")
	}))
	defer backend.Close()

	c := NewLocalClient(backend.URL, 5*time.Second, _test_logger())
	req := _tunnelled("POST", "/api/items?limit=5",
		map[string][]string{"x-custom": {"value"}}, []byte(`{"name":"x"}`))

	msg := c.Execute(context.Background(), req)
	if msg.Type != protocol.TypeHTTPResponse {
		t.Fatalf("expected http_response, got %q (%s)", msg.Type, msg.ErrorMsg)
	}
	if msg.Response.RequestID != req.RequestID {
		t.Errorf("correlation lost: %q", msg.Response.RequestID)
	}
	if msg.Response.StatusCode != 201 {
		t.Errorf("status mismatch: %d", msg.Response.StatusCode)
	}
	body, _ := protocol.DecodeBody(msg.Response.Body)
	if string(body) != "created" {
		t.Errorf("body mismatch: %q", body)
	}
	if got := msg.Response.Headers["x-backend"]; len(got) != 1 || got[0] != "yes" {
		t.Errorf("response header lost: %v", got)
	}
	if msg.Response.ProcessingTimeMS < 0 {
		t.Errorf("bad processing time: %d", msg.Response.ProcessingTimeMS)
	}
}

func Test_execute_rejects_unknown_method(t *testing.T) {
	c := NewLocalClient("http://127.0.0.1:1", time.Second, _test_logger())
	msg := c.Execute(context.Background(), _tunnelled("TRACE", "/", nil, nil))

	if msg.Type != protocol.TypeError {
		t.Fatalf("expected error envelope, got %q", msg.Type)
	}
	if msg.Code != protocol.CodeInvalidRequest {
		t.Errorf("expected invalid_request, got %q", msg.Code)
	}
}

func Test_execute_unreachable_service(t *testing.T) {
	// nothing listens on port 1
	c := NewLocalClient("http://127.0.0.1:1", time.Second, _test_logger())
	msg := c.Execute(context.Background(), _tunnelled("GET", "/", nil, nil))

	if msg.Type != protocol.TypeError {
		t.Fatalf("expected error envelope, got %q", msg.Type)
	}
	if msg.Code != protocol.CodeLocalServiceUnavailable {
		t.Errorf("expected local_service_unavailable, got %q", msg.Code)
	}
}

func Test_execute_timeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer backend.Close()

	c := NewLocalClient(backend.URL, 100*time.Millisecond, _test_logger())
	msg := c.Execute(context.Background(), _tunnelled("GET", "/slow", nil, nil))

	if msg.Type != protocol.TypeError {
		t.Fatalf("expected error envelope, got %q", msg.Type)
	}
	if msg.Code != protocol.CodeTimeout {
		t.Errorf("expected timeout, got %q", msg.Code)
	}
}

func Test_execute_strips_transport_headers(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("connection"); got == "close" {
			t.Error("transport header replayed against backend")
		}
		w.WriteHeader(204)
	}))
	defer backend.Close()

	c := NewLocalClient(backend.URL, time.Second, _test_logger())
	req := _tunnelled("GET", "/", map[string][]string{
		"connection": {"close"},
		"host":       {"tunnel.example.com"},
		"x-keep":     {"kept"},
	}, nil)

	msg := c.Execute(context.Background(), req)
	if msg.Type != protocol.TypeHTTPResponse || msg.Response.StatusCode != 204 {
		t.Fatalf("unexpected result: %+v", msg)
	}
}

func Test_execute_bad_body_encoding(t *testing.T) {
	c := NewLocalClient("http://127.0.0.1:1", time.Second, _test_logger())
	req := &protocol.HTTPRequest{
		RequestID: protocol.GenerateRequestID(),
		Method:    "POST",
		URI:       "/",
		Body:      "!!!not-base64!!!",
	}

	msg := c.Execute(context.Background(), req)
	if msg.Type != protocol.TypeError || msg.Code != protocol.CodeInvalidRequest {
		t.Fatalf("expected invalid_request, got %+v", msg)
	}
}
