package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/httptunnel/internal/protocol"
	"github.com/httptunnel/internal/store"
)

// Server is the relay front door: it accepts public http traffic and agent
// websocket connections, translates both into dispatcher payloads and writes
// the dispatcher's responses back out.
type Server struct {
	cfg        *Config
	st         store.Store
	registry   *Registry
	dispatcher *Dispatcher
	waker      *Waker
	metrics    *Metrics
	registryPr *prometheus.Registry
	upgrader   websocket.Upgrader
	log        *slog.Logger
}

// NewServer assembles a relay server around the given store.
func NewServer(cfg *Config, st store.Store, log *slog.Logger) *Server {
	waker := NewWaker()
	registry := NewRegistry(log)

	var metrics *Metrics
	promReg := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		metrics = NewMetrics(promReg)
	}

	var validator TokenValidator
	if cfg.Auth.Required {
		validator = NewHMACValidator(cfg.Auth.SharedSecret)
	}

	dispatcher := NewDispatcher(
		st,
		registry,
		validator,
		waker,
		metrics,
		cfg.Tunnel.PublicBaseURL,
		cfg.Tunnel.Domain,
		log,
	)

	s := &Server{
		cfg:        cfg,
		st:         st,
		registry:   registry,
		dispatcher: dispatcher,
		waker:      waker,
		metrics:    metrics,
		registryPr: promReg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.With("component", "server"),
	}

	// the memory store reports mutations in-process; route them through the
	// dispatcher as store-change events so awaiters wake without polling.
	if mem, ok := st.(*store.Memory); ok {
		mem.OnChange(s._on_store_change)
	}
	return s
}

// Run starts the relay server and blocks until the context is cancelled or
// the listener fails.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Tunnel.WSPath, s._handle_agent_upgrade)
	if s.cfg.Metrics.Enabled {
		mux.Handle(s.cfg.Metrics.Path, Handler(s.registryPr))
	}
	mux.HandleFunc("/", s._handle_public)

	srv := &http.Server{
		Addr:    s.cfg.Listen.Addr,
		Handler: mux,
	}

	go s._cleanup_loop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("relay server starting", "addr", s.cfg.Listen.Addr, "tls", s.cfg.TLS.Enabled, "store", s.cfg.Store.Backend)

	var err error
	if s.cfg.TLS.Enabled {
		err = srv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// _handle_agent_upgrade admits an agent: the channel-open event runs first so
// auth failures are rejected before the websocket upgrade.
func (s *Server) _handle_agent_upgrade(w http.ResponseWriter, r *http.Request) {
	channelID := "ch-" + uuid.NewString()

	openPayload := &Payload{
		RequestContext: &RequestContext{
			ChannelID:        channelID,
			RouteKey:         RouteConnect,
			RequestTimeEpoch: protocol.NowMillis(),
		},
		Headers:     _single_value_headers(r),
		QueryParams: _single_value_query(r),
	}
	resp := s.dispatcher.Handle(r.Context(), openPayload)
	if resp.StatusCode != 200 {
		http.Error(w, string(resp.Body), resp.StatusCode)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "err", err)
		s._dispatch_disconnect(channelID)
		return
	}

	ch := NewAgentChannel(channelID, conn, s.cfg.Tunnel.IdleTimeout, s.log)
	s.registry.Add(ch)
	if s.metrics != nil {
		s.metrics.ChannelCount(s.registry.Count())
	}
	s.log.Info("agent connected", "channel_id", channelID, "remote", r.RemoteAddr)

	go s._read_loop(ch)
}

// _read_loop feeds each agent frame through the dispatcher as a
// default-route event until the channel dies.
func (s *Server) _read_loop(ch *AgentChannel) {
	defer func() {
		s.registry.Remove(ch.ID())
		ch.Close()
		if s.metrics != nil {
			s.metrics.ChannelCount(s.registry.Count())
		}
		s._dispatch_disconnect(ch.ID())
	}()

	for {
		data, err := ch.ReadText()
		if err != nil {
			select {
			case <-ch.Done():
			default:
				s.log.Info("agent channel read ended", "channel_id", ch.ID(), "err", err)
			}
			return
		}

		payload := &Payload{
			RequestContext: &RequestContext{
				ChannelID:        ch.ID(),
				RouteKey:         RouteDefault,
				RequestTimeEpoch: protocol.NowMillis(),
			},
			Body: string(data),
		}
		s.dispatcher.Handle(context.Background(), payload)
	}
}

// _dispatch_disconnect emits the channel-close event for a departed agent.
func (s *Server) _dispatch_disconnect(channelID string) {
	payload := &Payload{
		RequestContext: &RequestContext{
			ChannelID:        channelID,
			RouteKey:         RouteDisconnect,
			RequestTimeEpoch: protocol.NowMillis(),
		},
	}
	s.dispatcher.Handle(context.Background(), payload)
}

// _handle_public translates a public http request into a dispatcher payload
// and writes the dispatcher's answer.
func (s *Server) _handle_public(w http.ResponseWriter, r *http.Request) {
	var body string
	isBase64 := false
	if r.Body != nil {
		raw, err := io.ReadAll(io.LimitReader(r.Body, protocol.MaxBodySize+1))
		r.Body.Close()
		if err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if len(raw) > 0 {
			body = base64.StdEncoding.EncodeToString(raw)
			isBase64 = true
		}
	}

	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	payload := &Payload{
		RequestContext: &RequestContext{
			HTTP: &HTTPContext{
				Method:    r.Method,
				Path:      r.URL.Path,
				SourceIP:  r.RemoteAddr,
				UserAgent: r.UserAgent(),
			},
			DomainName:       host,
			RequestTimeEpoch: protocol.NowMillis(),
		},
		RawPath:        r.URL.Path,
		RawQueryString: r.URL.RawQuery,
		Headers:        _single_value_headers(r),
		Body:           body,
		IsBase64:       isBase64,
	}

	resp := s.dispatcher.Handle(r.Context(), payload)
	for name, values := range resp.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

// _cleanup_loop emits scheduled-tick events at the configured interval.
func (s *Server) _cleanup_loop(ctx context.Context) {
	interval := s.cfg.Tunnel.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.dispatcher.Handle(ctx, &Payload{Source: "scheduler"})
		case <-ctx.Done():
			return
		}
	}
}

// _on_store_change forwards a memory-store mutation to the dispatcher as a
// store-change event.
func (s *Server) _on_store_change(ev store.ChangeEvent) {
	payload := &Payload{
		Records: []StoreRecord{{
			EventSource: ev.EventSource,
			EventName:   ev.EventName,
			Table:       ev.Table,
			Key:         ev.Key,
		}},
	}
	s.dispatcher.Handle(context.Background(), payload)
}

// _single_value_headers flattens request headers to the payload's
// single-value map, keeping the first value per name.
func _single_value_headers(r *http.Request) map[string]string {
	out := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}

// _single_value_query flattens query parameters the same way.
func _single_value_query(r *http.Request) map[string]string {
	query := r.URL.Query()
	out := make(map[string]string, len(query))
	for name, values := range query {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}

// BuildStore constructs the configured store backend.
func BuildStore(cfg *Config, log *slog.Logger) (store.Store, func() error, error) {
	switch cfg.Store.Backend {
	case "redis":
		r := store.NewRedis(cfg.Store.RedisAddr, cfg.Store.RedisDB, cfg.Store.ChannelsTable, cfg.Store.PendingTable, log)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return r, r.Close, nil
	default:
		return store.NewMemory(), func() error { return nil }, nil
	}
}
