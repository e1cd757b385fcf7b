package protocol

import (
	"encoding/json"
	"fmt"
)

// message type tags for the tunnel wire protocol. every frame is a JSON
// object with a "type" discriminator in snake_case; payload fields sit
// alongside the tag in the same object.
const (
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeReady                 = "ready"
	TypeConnectionEstablished = "connection_established"
	TypeHTTPRequest           = "http_request"
	TypeHTTPResponse          = "http_response"
	TypeError                 = "error"
)

// error codes carried by error envelopes.
const (
	CodeInvalidRequest          = "invalid_request"
	CodeTimeout                 = "timeout"
	CodeLocalServiceUnavailable = "local_service_unavailable"
	CodeInternalError           = "internal_error"
)

// HTTPRequest is a public request serialised for delivery over the agent
// channel. the body travels base64-encoded; headers keep multiple values.
type HTTPRequest struct {
	RequestID string              `json:"request_id"`
	Method    string              `json:"method"`
	URI       string              `json:"uri"`
	Headers   map[string][]string `json:"headers"`
	Body      string              `json:"body,omitempty"`
	Timestamp int64               `json:"timestamp"`
}

// HasBody reports whether the request carries a non-empty body.
func (r *HTTPRequest) HasBody() bool {
	return r.Body != ""
}

// HTTPResponse is the local service's answer travelling back through the
// tunnel. RequestID must match the originating HTTPRequest.
type HTTPResponse struct {
	RequestID        string              `json:"request_id"`
	StatusCode       int                 `json:"status_code"`
	Headers          map[string][]string `json:"headers"`
	Body             string              `json:"body,omitempty"`
	ProcessingTimeMS int64               `json:"processing_time_ms,omitempty"`
}

// HasBody reports whether the response carries a non-empty body.
func (r *HTTPResponse) HasBody() bool {
	return r.Body != ""
}

// Message is the tagged envelope for all agent-channel traffic. only the
// fields belonging to the tagged variant are populated.
type Message struct {
	Type string

	// connection_established
	ChannelID    string
	TunnelID     string
	PublicURL    string
	SubdomainURL string
	PathBasedURL string

	// http_request / http_response
	Request  *HTTPRequest
	Response *HTTPResponse

	// error
	RequestID string
	Code      string
	ErrorMsg  string
}

// wireMessage is the flattened on-the-wire shape shared by all variants.
type wireMessage struct {
	Type string `json:"type"`

	ChannelID    string `json:"channel_id,omitempty"`
	TunnelID     string `json:"tunnel_id,omitempty"`
	PublicURL    string `json:"public_url,omitempty"`
	SubdomainURL string `json:"subdomain_url,omitempty"`
	PathBasedURL string `json:"path_based_url,omitempty"`

	RequestID        string              `json:"request_id,omitempty"`
	Method           string              `json:"method,omitempty"`
	URI              string              `json:"uri,omitempty"`
	Headers          map[string][]string `json:"headers,omitempty"`
	Body             string              `json:"body,omitempty"`
	Timestamp        int64               `json:"timestamp,omitempty"`
	StatusCode       int                 `json:"status_code,omitempty"`
	ProcessingTimeMS int64               `json:"processing_time_ms,omitempty"`

	Code     string `json:"code,omitempty"`
	ErrorMsg string `json:"message,omitempty"`
}

// Encode serialises a message envelope to UTF-8 JSON.
func Encode(m *Message) ([]byte, error) {
	w := wireMessage{
		Type:         m.Type,
		ChannelID:    m.ChannelID,
		TunnelID:     m.TunnelID,
		PublicURL:    m.PublicURL,
		SubdomainURL: m.SubdomainURL,
		PathBasedURL: m.PathBasedURL,
		RequestID:    m.RequestID,
		Code:         m.Code,
		ErrorMsg:     m.ErrorMsg,
	}

	switch m.Type {
	case TypeHTTPRequest:
		if m.Request == nil {
			return nil, fmt.Errorf("encoding message: http_request without payload")
		}
		w.RequestID = m.Request.RequestID
		w.Method = m.Request.Method
		w.URI = m.Request.URI
		w.Headers = m.Request.Headers
		w.Body = m.Request.Body
		w.Timestamp = m.Request.Timestamp
	case TypeHTTPResponse:
		if m.Response == nil {
			return nil, fmt.Errorf("encoding message: http_response without payload")
		}
		w.RequestID = m.Response.RequestID
		w.StatusCode = m.Response.StatusCode
		w.Headers = m.Response.Headers
		w.Body = m.Response.Body
		w.ProcessingTimeMS = m.Response.ProcessingTimeMS
	case TypePing, TypePong, TypeReady, TypeConnectionEstablished, TypeError:
	default:
		return nil, fmt.Errorf("encoding message: unknown type %q", m.Type)
	}

	data, err := json.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("marshalling message: %w", err)
	}
	return data, nil
}

// Decode parses a wire frame into a message envelope. malformed JSON and
// unknown tags produce an error wrapping ErrInvalidMessage, never a panic.
func Decode(data []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	m := &Message{
		Type:         w.Type,
		ChannelID:    w.ChannelID,
		TunnelID:     w.TunnelID,
		PublicURL:    w.PublicURL,
		SubdomainURL: w.SubdomainURL,
		PathBasedURL: w.PathBasedURL,
	}

	switch w.Type {
	case TypePing, TypePong, TypeReady, TypeConnectionEstablished:
	case TypeError:
		m.RequestID = w.RequestID
		m.Code = w.Code
		m.ErrorMsg = w.ErrorMsg
	case TypeHTTPRequest:
		m.Request = &HTTPRequest{
			RequestID: w.RequestID,
			Method:    w.Method,
			URI:       w.URI,
			Headers:   w.Headers,
			Body:      w.Body,
			Timestamp: w.Timestamp,
		}
	case TypeHTTPResponse:
		m.Response = &HTTPResponse{
			RequestID:        w.RequestID,
			StatusCode:       w.StatusCode,
			Headers:          w.Headers,
			Body:             w.Body,
			ProcessingTimeMS: w.ProcessingTimeMS,
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, w.Type)
	}

	return m, nil
}

// ErrorStatusCode maps a wire error code to the HTTP status returned to the
// public client when the agent reports a failure.
func ErrorStatusCode(code string) int {
	switch code {
	case CodeInvalidRequest:
		return 400
	case CodeTimeout:
		return 504
	case CodeLocalServiceUnavailable:
		return 503
	default:
		return 502
	}
}
