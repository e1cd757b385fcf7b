package store

import (
	"context"
	"errors"
)

// pending request lifecycle states.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

var (
	// ErrNotFound is returned when a channel or pending record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateRequest is returned by PutPending when the request id is
	// already registered. request ids are single-use.
	ErrDuplicateRequest = errors.New("duplicate request id")
)

// ChannelRecord is the rendezvous entry for one live agent channel. a tunnel
// id maps to exactly one channel at a time; reconnects replace the record.
type ChannelRecord struct {
	ChannelID    string `json:"channel_id"`
	TunnelID     string `json:"tunnel_id"`
	PublicURL    string `json:"public_url"`
	SubdomainURL string `json:"subdomain_url,omitempty"`
	PathBasedURL string `json:"path_based_url,omitempty"`
	ConnectedAt  int64  `json:"connected_at"`
	ExpiresAt    int64  `json:"expires_at"`
}

// PendingRecord tracks one in-flight public request awaiting its response
// from the agent. ResponseBlob is the serialised http_response envelope,
// populated when Status transitions to completed.
type PendingRecord struct {
	RequestID    string `json:"request_id"`
	TunnelID     string `json:"tunnel_id"`
	ChannelID    string `json:"channel_id,omitempty"`
	Status       string `json:"status"`
	ResponseBlob []byte `json:"response_blob,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	ExpiresAt    int64  `json:"expires_at"`
}

// ChangeEvent describes a store mutation, delivered to the change hook so the
// relay can wake request awaiters without polling.
type ChangeEvent struct {
	EventSource string // always "store"
	Table       string // "channels" or "pending"
	EventName   string // "insert", "modify" or "remove"
	Key         string
}

// ChannelStore persists the channel-id to tunnel-id rendezvous mapping.
type ChannelStore interface {
	// PutChannel inserts or replaces the record for record.ChannelID and
	// refreshes the tunnel index.
	PutChannel(ctx context.Context, record *ChannelRecord) error

	// GetChannel fetches a record by channel id. Returns ErrNotFound when
	// absent or expired.
	GetChannel(ctx context.Context, channelID string) (*ChannelRecord, error)

	// GetChannelByTunnel resolves the live channel for a tunnel id. Returns
	// ErrNotFound when the tunnel has no connected agent.
	GetChannelByTunnel(ctx context.Context, tunnelID string) (*ChannelRecord, error)

	// DeleteChannel removes a record and its tunnel index entry. Deleting an
	// absent record is not an error.
	DeleteChannel(ctx context.Context, channelID string) error

	// DeleteExpiredChannels removes records whose ExpiresAt has passed and
	// returns how many were removed.
	DeleteExpiredChannels(ctx context.Context, now int64) (int, error)
}

// PendingStore persists in-flight request records for response correlation.
type PendingStore interface {
	// PutPending registers a new pending record. Returns ErrDuplicateRequest
	// if the request id already exists.
	PutPending(ctx context.Context, record *PendingRecord) error

	// GetPending fetches a record without consuming it.
	GetPending(ctx context.Context, requestID string) (*PendingRecord, error)

	// CompletePending atomically transitions a pending record to completed,
	// attaching the response blob. Completing an already-completed record is
	// a no-op that keeps the first blob. Returns ErrNotFound when absent.
	CompletePending(ctx context.Context, requestID string, blob []byte) error

	// TakePending reads and deletes a record in one step, so a response is
	// delivered to at most one awaiter.
	TakePending(ctx context.Context, requestID string) (*PendingRecord, error)

	// DeleteExpiredPending removes records whose ExpiresAt has passed and
	// returns how many were removed.
	DeleteExpiredPending(ctx context.Context, now int64) (int, error)
}

// Store bundles both tables behind one interface.
type Store interface {
	ChannelStore
	PendingStore
}
