package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EnvelopeKind classifies a received envelope.
type EnvelopeKind string

const (
	EnvelopeKindUpdate      EnvelopeKind = "update"
	EnvelopeKindSyncRequest EnvelopeKind = "syncRequest"
	EnvelopeKindError       EnvelopeKind = "error"
	// EnvelopeKindMalformed marks transport-level garbage; it is
	// silently ignorable noise, never a fault.
	EnvelopeKindMalformed EnvelopeKind = "malformed"
)

// SyncRequest asks the counterparty to re-send updates it applied
// beyond our stored nonce. It is issued when an incoming update's
// nonce is more than one ahead of stored state.
type SyncRequest struct {
	ChannelAddress common.Address `json:"channelAddress"`
	// FromNonce is the first missing nonce.
	FromNonce uint64 `json:"fromNonce"`
}

// EnvelopeData is the payload of a protocol envelope.
type EnvelopeData struct {
	Update      *ChannelUpdate `json:"update,omitempty"`
	SyncRequest *SyncRequest   `json:"syncRequest,omitempty"`
}

// Envelope is the logical message shape exchanged between the two
// identified parties. Exactly one of Data.Update, Data.SyncRequest or
// Error is set on a well-formed envelope.
type Envelope struct {
	From  string        `json:"from"`
	To    string        `json:"to"`
	Data  *EnvelopeData `json:"data,omitempty"`
	Error *ChannelError `json:"error,omitempty"`
}

// Kind classifies the envelope; anything unrecognizable is malformed.
func (e Envelope) Kind() EnvelopeKind {
	switch {
	case e.Error != nil:
		return EnvelopeKindError
	case e.Data != nil && e.Data.Update != nil:
		return EnvelopeKindUpdate
	case e.Data != nil && e.Data.SyncRequest != nil:
		return EnvelopeKindSyncRequest
	default:
		return EnvelopeKindMalformed
	}
}

// NewUpdateEnvelope wraps a channel update for delivery.
func NewUpdateEnvelope(from, to string, update *ChannelUpdate) Envelope {
	return Envelope{From: from, To: to, Data: &EnvelopeData{Update: update}}
}

// NewSyncRequestEnvelope wraps a backfill request for delivery.
func NewSyncRequestEnvelope(from, to string, req *SyncRequest) Envelope {
	return Envelope{From: from, To: to, Data: &EnvelopeData{SyncRequest: req}}
}

// NewErrorEnvelope wraps a protocol error for delivery.
func NewErrorEnvelope(from, to string, cerr *ChannelError) Envelope {
	return Envelope{From: from, To: to, Error: cerr}
}

// InboundHandler processes one received envelope and optionally
// returns a response envelope for the sender.
type InboundHandler func(ctx context.Context, envelope Envelope) (*Envelope, error)

// MessagingService delivers signed update envelopes and error
// envelopes between two identified parties, request/response with a
// timeout. No send blocks indefinitely.
type MessagingService interface {
	// Send delivers the envelope to the party identified by to and waits
	// for its response. A timeout is treated as a failed send.
	Send(ctx context.Context, to string, envelope Envelope, timeout time.Duration) (*Envelope, error)
	// OnReceive registers the handler invoked for every inbound envelope.
	OnReceive(handler InboundHandler)
}

// InMemoryMessagingHub connects in-process messaging endpoints by
// public identifier. Used in tests and single-process deployments.
type InMemoryMessagingHub struct {
	mu    sync.RWMutex
	peers map[string]*InMemoryMessaging
}

func NewInMemoryMessagingHub() *InMemoryMessagingHub {
	return &InMemoryMessagingHub{peers: make(map[string]*InMemoryMessaging)}
}

// Join registers an endpoint for the given identifier.
func (h *InMemoryMessagingHub) Join(identifier string) *InMemoryMessaging {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := &InMemoryMessaging{hub: h, identifier: identifier}
	h.peers[identifier] = m
	return m
}

func (h *InMemoryMessagingHub) peer(identifier string) (*InMemoryMessaging, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.peers[identifier]
	return m, ok
}

// InMemoryMessaging is the in-process MessagingService endpoint.
type InMemoryMessaging struct {
	hub        *InMemoryMessagingHub
	identifier string

	mu      sync.RWMutex
	handler InboundHandler
}

var _ MessagingService = (*InMemoryMessaging)(nil)

func (m *InMemoryMessaging) OnReceive(handler InboundHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

func (m *InMemoryMessaging) Send(ctx context.Context, to string, envelope Envelope, timeout time.Duration) (*Envelope, error) {
	peer, ok := m.hub.peer(to)
	if !ok {
		return nil, NewChannelError(ErrCodeMessagingFailure, "unknown recipient %s", to)
	}
	peer.mu.RLock()
	handler := peer.handler
	peer.mu.RUnlock()
	if handler == nil {
		return nil, NewChannelError(ErrCodeMessagingFailure, "recipient %s is not receiving", to)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		response *Envelope
		err      error
	}
	done := make(chan result, 1)
	go func() {
		response, err := handler(ctx, envelope)
		done <- result{response, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, NewChannelError(ErrCodeMessagingFailure, "recipient failed to process envelope: %v", r.err).WithCause(r.err)
		}
		return r.response, nil
	case <-ctx.Done():
		return nil, NewChannelError(ErrCodeMessagingFailure, "send to %s timed out: %v", to, ctx.Err()).WithCause(ctx.Err())
	}
}

// String identifies the endpoint in logs.
func (m *InMemoryMessaging) String() string {
	return fmt.Sprintf("inmemory-messaging(%s)", m.identifier)
}
