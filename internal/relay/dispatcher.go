package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/httptunnel/internal/protocol"
	"github.com/httptunnel/internal/store"
)

// record lifetimes.
const (
	ConnectionTTLSeconds = 7200
	PendingTTLSeconds    = 30
	RequestTimeout       = 25 * time.Second
)

// ready-reply delivery retries: the agent may still be finishing its
// handshake when the reply is sent.
const (
	_ready_reply_attempts = 3
	_ready_reply_delay    = 100 * time.Millisecond
)

// Dispatcher routes every relay event to its handler. it is transport
// agnostic: the live server, tests and any queue consumer all feed it the
// same payload shape.
type Dispatcher struct {
	store     store.Store
	sender    Sender
	validator TokenValidator
	waker     *Waker
	metrics   *Metrics
	baseURL   string
	domain    string
	timeout   time.Duration
	log       *slog.Logger
}

// NewDispatcher wires a dispatcher. baseURL is the public origin for
// path-based tunnel URLs; domain, when set, additionally yields
// subdomain-style URLs.
func NewDispatcher(st store.Store, sender Sender, validator TokenValidator, waker *Waker, metrics *Metrics, baseURL, domain string, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:     st,
		sender:    sender,
		validator: validator,
		waker:     waker,
		metrics:   metrics,
		baseURL:   baseURL,
		domain:    domain,
		timeout:   RequestTimeout,
		log:       log.With("component", "dispatcher"),
	}
}

// Handle classifies a payload and runs the matching handler. request-shaped
// events produce a response; the rest return a plain 200 acknowledgement.
func (d *Dispatcher) Handle(ctx context.Context, p *Payload) *Response {
	kind := Classify(p)
	if d.metrics != nil {
		d.metrics.Event(kind)
	}

	switch kind {
	case EventChannelOpen:
		return d._handle_channel_open(ctx, p)
	case EventChannelClose:
		return d._handle_channel_close(ctx, p)
	case EventAgentMessage:
		return d._handle_agent_message(ctx, p)
	case EventPublicRequest:
		return d._handle_public_request(ctx, p)
	case EventScheduledTick:
		return d._handle_scheduled_tick(ctx, p)
	case EventStoreChange:
		return d._handle_store_change(p)
	default:
		d.log.Warn("unclassifiable event payload dropped")
		return _text_response(400, "Unrecognised event")
	}
}

// _handle_channel_open authenticates a connecting agent, mints its tunnel id
// and registers the rendezvous record.
func (d *Dispatcher) _handle_channel_open(ctx context.Context, p *Payload) *Response {
	channelID := p.RequestContext.ChannelID
	if err := protocol.ValidateChannelID(channelID); err != nil {
		d.log.Warn("channel open with bad channel id", "err", err)
		return _text_response(400, "Invalid channel")
	}

	// a nil validator means auth is disabled for this deployment.
	if d.validator != nil {
		token := _token_from_payload(p)
		if err := d.validator.Validate(token); err != nil {
			d.log.Warn("agent auth failed", "channel_id", channelID, "err", err)
			return _text_response(401, "Unauthorized")
		}
	}

	tunnelID := protocol.GenerateTunnelID()
	record := &store.ChannelRecord{
		ChannelID:   channelID,
		TunnelID:    tunnelID,
		PublicURL:   fmt.Sprintf("%s/%s", d.baseURL, tunnelID),
		ConnectedAt: protocol.NowSecs(),
		ExpiresAt:   protocol.TTL(ConnectionTTLSeconds),
	}
	record.PathBasedURL = record.PublicURL
	if d.domain != "" {
		record.SubdomainURL = fmt.Sprintf("https://%s.%s", tunnelID, d.domain)
	}

	if err := d.store.PutChannel(ctx, record); err != nil {
		d.log.Error("storing channel record failed", "channel_id", channelID, "err", err)
		return _text_response(500, "Internal server error")
	}

	d.log.Info("agent channel opened", "channel_id", channelID, "tunnel_id", tunnelID)
	return _text_response(200, "Connected")
}

// _handle_channel_close removes the rendezvous record for a departing agent.
func (d *Dispatcher) _handle_channel_close(ctx context.Context, p *Payload) *Response {
	channelID := p.RequestContext.ChannelID
	if err := d.store.DeleteChannel(ctx, channelID); err != nil {
		d.log.Error("deleting channel record failed", "channel_id", channelID, "err", err)
	} else {
		d.log.Info("agent channel closed", "channel_id", channelID)
	}
	return _text_response(200, "Disconnected")
}

// _handle_agent_message processes a frame sent by an agent over its channel.
func (d *Dispatcher) _handle_agent_message(ctx context.Context, p *Payload) *Response {
	channelID := p.RequestContext.ChannelID

	body := []byte(p.Body)
	if p.IsBase64 {
		decoded, err := base64.StdEncoding.DecodeString(p.Body)
		if err != nil {
			d.log.Warn("agent frame with bad base64 body", "channel_id", channelID, "err", err)
			return _text_response(400, "Invalid message")
		}
		body = decoded
	}

	msg, err := protocol.Decode(body)
	if err != nil {
		d.log.Warn("undecodable agent frame", "channel_id", channelID, "err", err)
		return _text_response(400, "Invalid message")
	}

	switch msg.Type {
	case protocol.TypeReady:
		d._handle_ready(ctx, channelID)
	case protocol.TypeHTTPResponse:
		d._handle_http_response(ctx, channelID, msg)
	case protocol.TypeError:
		d._handle_agent_error(ctx, channelID, msg)
	case protocol.TypePing:
		d._send_control(ctx, channelID, protocol.TypePong)
	case protocol.TypePong:
		// heartbeat acknowledgement, nothing to do
	default:
		d.log.Warn("unexpected agent message type", "channel_id", channelID, "type", msg.Type)
	}
	return _text_response(200, "OK")
}

// _handle_ready answers an agent's ready frame with connection_established,
// carrying the tunnel id and public URLs from the rendezvous record. the
// reply is retried briefly because the channel may not be writable yet.
func (d *Dispatcher) _handle_ready(ctx context.Context, channelID string) {
	record, err := d.store.GetChannel(ctx, channelID)
	if err != nil {
		d.log.Warn("ready from unknown channel", "channel_id", channelID, "err", err)
		return
	}

	reply := &protocol.Message{
		Type:         protocol.TypeConnectionEstablished,
		ChannelID:    channelID,
		TunnelID:     record.TunnelID,
		PublicURL:    record.PublicURL,
		SubdomainURL: record.SubdomainURL,
		PathBasedURL: record.PathBasedURL,
	}
	data, err := protocol.Encode(reply)
	if err != nil {
		d.log.Error("encoding connection_established failed", "err", err)
		return
	}

	delay := _ready_reply_delay
	for attempt := 1; attempt <= _ready_reply_attempts; attempt++ {
		if err = d.sender.Send(ctx, channelID, data); err == nil {
			d.log.Info("tunnel established", "channel_id", channelID, "tunnel_id", record.TunnelID)
			return
		}
		if attempt < _ready_reply_attempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	d.log.Warn("delivering connection_established failed", "channel_id", channelID, "err", err)
}

// _handle_http_response correlates an agent response with its pending record.
func (d *Dispatcher) _handle_http_response(ctx context.Context, channelID string, msg *protocol.Message) {
	requestID := msg.Response.RequestID
	if err := protocol.ValidateRequestID(requestID); err != nil {
		d.log.Warn("agent response with bad request id", "channel_id", channelID, "err", err)
		return
	}

	blob, err := protocol.Encode(msg)
	if err != nil {
		d.log.Error("re-encoding agent response failed", "request_id", requestID, "err", err)
		return
	}
	if err := d.store.CompletePending(ctx, requestID, blob); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// the awaiter gave up or the record expired; drop the response.
			d.log.Warn("response for unknown request", "request_id", requestID, "channel_id", channelID)
			return
		}
		d.log.Error("completing pending record failed", "request_id", requestID, "err", err)
		return
	}
	d.log.Debug("response correlated", "request_id", requestID, "status", msg.Response.StatusCode)
}

// _handle_agent_error records an agent-reported failure as a synthesised
// response so the awaiter returns the mapped status instead of timing out.
func (d *Dispatcher) _handle_agent_error(ctx context.Context, channelID string, msg *protocol.Message) {
	requestID := msg.RequestID
	if requestID == "" {
		d.log.Warn("agent error without request id", "channel_id", channelID, "code", msg.Code, "msg", msg.ErrorMsg)
		return
	}

	status := protocol.ErrorStatusCode(msg.Code)
	synth := &protocol.Message{
		Type: protocol.TypeHTTPResponse,
		Response: &protocol.HTTPResponse{
			RequestID:  requestID,
			StatusCode: status,
			Headers:    map[string][]string{"content-type": {"text/plain; charset=utf-8"}},
			Body:       protocol.EncodeBody([]byte(msg.ErrorMsg)),
		},
	}
	blob, err := protocol.Encode(synth)
	if err != nil {
		d.log.Error("encoding synthesised error response failed", "request_id", requestID, "err", err)
		return
	}
	if err := d.store.CompletePending(ctx, requestID, blob); err != nil && !errors.Is(err, store.ErrNotFound) {
		d.log.Error("completing pending record with error failed", "request_id", requestID, "err", err)
		return
	}
	d.log.Info("agent reported request failure", "request_id", requestID, "code", msg.Code, "status", status)
}

// _send_control sends a bare control frame to a channel.
func (d *Dispatcher) _send_control(ctx context.Context, channelID, msgType string) {
	data, err := protocol.Encode(&protocol.Message{Type: msgType})
	if err != nil {
		d.log.Error("encoding control frame failed", "type", msgType, "err", err)
		return
	}
	if err := d.sender.Send(ctx, channelID, data); err != nil {
		d.log.Warn("sending control frame failed", "channel_id", channelID, "type", msgType, "err", err)
	}
}

// _handle_scheduled_tick sweeps expired channel and pending records.
func (d *Dispatcher) _handle_scheduled_tick(ctx context.Context, p *Payload) *Response {
	now := protocol.NowSecs()

	channels, err := d.store.DeleteExpiredChannels(ctx, now)
	if err != nil {
		d.log.Error("channel cleanup failed", "err", err)
	}
	pending, err := d.store.DeleteExpiredPending(ctx, now)
	if err != nil {
		d.log.Error("pending cleanup failed", "err", err)
	}

	if d.metrics != nil {
		d.metrics.CleanupRemoved("channels", channels)
		d.metrics.CleanupRemoved("pending", pending)
	}
	d.log.Info("cleanup sweep finished", "source", p.Source, "channels_removed", channels, "pending_removed", pending)
	return _json_response(200, map[string]int{
		"channels_removed": channels,
		"pending_removed":  pending,
	})
}

// _handle_store_change wakes awaiters whose pending record was completed.
func (d *Dispatcher) _handle_store_change(p *Payload) *Response {
	for _, record := range p.Records {
		if record.Table == "pending" && record.EventName == "modify" {
			d.waker.Wake(record.Key)
		}
	}
	return _text_response(200, "OK")
}

// _token_from_payload extracts the agent credential from a channel-open
// payload: the Authorization bearer header wins over the token query
// parameter.
func _token_from_payload(p *Payload) string {
	if auth, ok := p.Headers["authorization"]; ok {
		if len(auth) > 7 && auth[:7] == "Bearer " {
			return auth[7:]
		}
	}
	if auth, ok := p.Headers["Authorization"]; ok {
		if len(auth) > 7 && auth[:7] == "Bearer " {
			return auth[7:]
		}
	}
	return p.QueryParams["token"]
}
