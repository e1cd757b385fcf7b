package relay

import (
	"encoding/json"
	"fmt"
)

// EventKind classifies an inbound dispatcher payload.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventStoreChange
	EventScheduledTick
	EventPublicRequest
	EventChannelOpen
	EventChannelClose
	EventAgentMessage
)

// String names an event kind for logs.
func (k EventKind) String() string {
	switch k {
	case EventStoreChange:
		return "store_change"
	case EventScheduledTick:
		return "scheduled_tick"
	case EventPublicRequest:
		return "public_request"
	case EventChannelOpen:
		return "channel_open"
	case EventChannelClose:
		return "channel_close"
	case EventAgentMessage:
		return "agent_message"
	default:
		return "unknown"
	}
}

// transport route keys carried by channel events.
const (
	RouteConnect    = "$connect"
	RouteDisconnect = "$disconnect"
	RouteDefault    = "$default"
)

// StoreRecord is one entry of a store-change payload.
type StoreRecord struct {
	EventSource string `json:"event_source"`
	EventName   string `json:"event_name"`
	Table       string `json:"table,omitempty"`
	Key         string `json:"key,omitempty"`
}

// HTTPContext describes the http request attached to a public-request
// payload's request context.
type HTTPContext struct {
	Method    string `json:"method"`
	Path      string `json:"path"`
	SourceIP  string `json:"source_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// RequestContext is the transport-level context of a payload: either a
// channel event (route key plus channel id) or a public http request.
type RequestContext struct {
	ChannelID        string       `json:"channel_id,omitempty"`
	RouteKey         string       `json:"route_key,omitempty"`
	HTTP             *HTTPContext `json:"http,omitempty"`
	DomainName       string       `json:"domain_name,omitempty"`
	RequestTimeEpoch int64        `json:"request_time_epoch,omitempty"`
}

// Payload is the union shape of every event the dispatcher consumes. only
// the fields belonging to one event kind are populated at a time.
type Payload struct {
	Records        []StoreRecord     `json:"records,omitempty"`
	Source         string            `json:"source,omitempty"`
	RequestContext *RequestContext   `json:"request_context,omitempty"`
	RawPath        string            `json:"raw_path,omitempty"`
	RawQueryString string            `json:"raw_query_string,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	QueryParams    map[string]string `json:"query_string_parameters,omitempty"`
	PathParams     map[string]string `json:"path_parameters,omitempty"`
	Body           string            `json:"body,omitempty"`
	IsBase64       bool              `json:"is_base64_encoded,omitempty"`

	// legacy flat request shape, kept for older front doors.
	HTTPMethod string `json:"http_method,omitempty"`
	Path       string `json:"path,omitempty"`
}

// Classify determines the event kind from the payload shape. the checks run
// in a fixed order so overlapping shapes resolve deterministically.
func Classify(p *Payload) EventKind {
	if len(p.Records) > 0 && p.Records[0].EventSource == "store" {
		return EventStoreChange
	}
	if p.Source != "" {
		return EventScheduledTick
	}
	if p.RequestContext != nil {
		if p.RequestContext.HTTP != nil {
			return EventPublicRequest
		}
		switch p.RequestContext.RouteKey {
		case RouteConnect:
			return EventChannelOpen
		case RouteDisconnect:
			return EventChannelClose
		case RouteDefault:
			return EventAgentMessage
		}
	}
	if p.HTTPMethod != "" {
		return EventPublicRequest
	}
	return EventUnknown
}

// ParsePayload decodes raw JSON into a payload.
func ParsePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing event payload: %w", err)
	}
	return &p, nil
}

// Response is the dispatcher's answer for request-shaped events.
type Response struct {
	StatusCode int
	Headers    map[string][]string
	Body       []byte
}

// _text_response builds a plain-text response.
func _text_response(status int, msg string) *Response {
	return &Response{
		StatusCode: status,
		Headers:    map[string][]string{"content-type": {"text/plain; charset=utf-8"}},
		Body:       []byte(msg),
	}
}

// _json_response builds an application/json response from a serialisable value.
func _json_response(status int, v any) *Response {
	body, err := json.Marshal(v)
	if err != nil {
		return _text_response(500, "Internal server error")
	}
	return &Response{
		StatusCode: status,
		Headers:    map[string][]string{"content-type": {"application/json"}},
		Body:       body,
	}
}
