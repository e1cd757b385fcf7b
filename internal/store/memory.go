package store

import (
	"context"
	"sync"
)

// Memory is an in-process Store backed by maps. it is the default backend for
// single-node relays and for tests; the change hook feeds the relay's
// store-change event path.
type Memory struct {
	mu       sync.RWMutex
	channels map[string]*ChannelRecord // channel_id -> record
	tunnels  map[string]string         // tunnel_id -> channel_id
	pending  map[string]*PendingRecord // request_id -> record

	onChange func(ChangeEvent)
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		channels: make(map[string]*ChannelRecord),
		tunnels:  make(map[string]string),
		pending:  make(map[string]*PendingRecord),
	}
}

// OnChange registers a hook invoked after every mutation. register before
// the store starts serving; the hook runs on its own goroutine, outside the
// store lock.
func (m *Memory) OnChange(fn func(ChangeEvent)) {
	m.onChange = fn
}

func (m *Memory) _emit(ev ChangeEvent) {
	if m.onChange != nil {
		ev.EventSource = "store"
		go m.onChange(ev)
	}
}

// PutChannel inserts or replaces a channel record. a tunnel reconnecting on a
// new channel id displaces the previous mapping.
func (m *Memory) PutChannel(_ context.Context, record *ChannelRecord) error {
	cp := *record
	m.mu.Lock()
	if prev, ok := m.tunnels[cp.TunnelID]; ok && prev != cp.ChannelID {
		delete(m.channels, prev)
	}
	m.channels[cp.ChannelID] = &cp
	m.tunnels[cp.TunnelID] = cp.ChannelID
	m.mu.Unlock()

	m._emit(ChangeEvent{Table: "channels", EventName: "insert", Key: cp.ChannelID})
	return nil
}

// GetChannel fetches a record by channel id.
func (m *Memory) GetChannel(_ context.Context, channelID string) (*ChannelRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.channels[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *record
	return &cp, nil
}

// GetChannelByTunnel resolves the live channel for a tunnel id.
func (m *Memory) GetChannelByTunnel(_ context.Context, tunnelID string) (*ChannelRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channelID, ok := m.tunnels[tunnelID]
	if !ok {
		return nil, ErrNotFound
	}
	record, ok := m.channels[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *record
	return &cp, nil
}

// DeleteChannel removes a record and its tunnel index entry.
func (m *Memory) DeleteChannel(_ context.Context, channelID string) error {
	m.mu.Lock()
	record, ok := m.channels[channelID]
	if ok {
		delete(m.channels, channelID)
		if m.tunnels[record.TunnelID] == channelID {
			delete(m.tunnels, record.TunnelID)
		}
	}
	m.mu.Unlock()

	if ok {
		m._emit(ChangeEvent{Table: "channels", EventName: "remove", Key: channelID})
	}
	return nil
}

// DeleteExpiredChannels removes channel records past their expiry.
func (m *Memory) DeleteExpiredChannels(_ context.Context, now int64) (int, error) {
	m.mu.Lock()
	removed := 0
	for id, record := range m.channels {
		if record.ExpiresAt <= now {
			delete(m.channels, id)
			if m.tunnels[record.TunnelID] == id {
				delete(m.tunnels, record.TunnelID)
			}
			removed++
		}
	}
	m.mu.Unlock()
	return removed, nil
}

// PutPending registers a new pending record.
func (m *Memory) PutPending(_ context.Context, record *PendingRecord) error {
	cp := *record
	if cp.Status == "" {
		cp.Status = StatusPending
	}

	m.mu.Lock()
	if _, exists := m.pending[cp.RequestID]; exists {
		m.mu.Unlock()
		return ErrDuplicateRequest
	}
	m.pending[cp.RequestID] = &cp
	m.mu.Unlock()

	m._emit(ChangeEvent{Table: "pending", EventName: "insert", Key: cp.RequestID})
	return nil
}

// GetPending fetches a record without consuming it.
func (m *Memory) GetPending(_ context.Context, requestID string) (*PendingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.pending[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *record
	cp.ResponseBlob = append([]byte(nil), record.ResponseBlob...)
	return &cp, nil
}

// CompletePending transitions a record to completed. the first blob wins;
// later calls for the same request are ignored.
func (m *Memory) CompletePending(_ context.Context, requestID string, blob []byte) error {
	m.mu.Lock()
	record, ok := m.pending[requestID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	changed := false
	if record.Status != StatusCompleted {
		record.Status = StatusCompleted
		record.ResponseBlob = append([]byte(nil), blob...)
		changed = true
	}
	m.mu.Unlock()

	if changed {
		m._emit(ChangeEvent{Table: "pending", EventName: "modify", Key: requestID})
	}
	return nil
}

// TakePending reads and deletes a record in one step.
func (m *Memory) TakePending(_ context.Context, requestID string) (*PendingRecord, error) {
	m.mu.Lock()
	record, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	m._emit(ChangeEvent{Table: "pending", EventName: "remove", Key: requestID})
	return record, nil
}

// DeleteExpiredPending removes pending records past their expiry.
func (m *Memory) DeleteExpiredPending(_ context.Context, now int64) (int, error) {
	m.mu.Lock()
	removed := 0
	for id, record := range m.pending {
		if record.ExpiresAt <= now {
			delete(m.pending, id)
			removed++
		}
	}
	m.mu.Unlock()
	return removed, nil
}

var _ Store = (*Memory)(nil)
