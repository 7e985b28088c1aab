package main

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/statewire/channeld/pkg/sign"
)

var syncTracer = otel.Tracer("channeld/sync")

// DefaultSendTimeout bounds how long an update proposal waits for the
// counterparty's countersignature.
const DefaultSendTimeout = 30 * time.Second

// SyncService drives the two-party update protocol: it proposes signed
// updates to the counterparty and applies updates the counterparty
// proposes. All processing for one channel is serialized, so at most
// one update is in flight per channel on this side.
type SyncService struct {
	store       Store
	messaging   MessagingService
	signer      sign.Signer
	identifier  string
	bus         *EventBus
	logger      Logger
	sendTimeout time.Duration

	mu    sync.Mutex
	locks map[common.Address]*sync.Mutex
}

func NewSyncService(store Store, messaging MessagingService, signer sign.Signer, bus *EventBus, logger Logger) *SyncService {
	s := &SyncService{
		store:       store,
		messaging:   messaging,
		signer:      signer,
		identifier:  signer.PublicIdentifier(),
		bus:         bus,
		logger:      logger.NewSystem("sync"),
		sendTimeout: DefaultSendTimeout,
		locks:       make(map[common.Address]*sync.Mutex),
	}
	messaging.OnReceive(s.handleEnvelope)
	return s
}

func (s *SyncService) lockChannel(channelAddress common.Address) func() {
	s.mu.Lock()
	lock, ok := s.locks[channelAddress]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[channelAddress] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// ProposeUpdate runs the outbound half of the protocol: validate the
// update against current state, sign it, send it, verify the returned
// countersignature, persist the double-signed update and publish the
// new state. state is nil when proposing setup.
func (s *SyncService) ProposeUpdate(ctx context.Context, state *FullChannelState, update ChannelUpdate) (*FullChannelState, error) {
	ctx, span := syncTracer.Start(ctx, "proposeUpdate")
	defer span.End()

	unlock := s.lockChannel(update.ChannelAddress)
	defer unlock()

	next, err := NextChannelState(state, update)
	if err != nil {
		return nil, err
	}

	signed, err := CounterSignUpdate(update, next.Participants, s.signer)
	if err != nil {
		return nil, err
	}

	response, err := s.messaging.Send(ctx, update.ToIdentifier, NewUpdateEnvelope(s.identifier, update.ToIdentifier, signed), s.sendTimeout)
	if err != nil {
		return nil, err
	}

	countersigned, err := s.verifyCounterpartyResponse(next, signed, response)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "countersignature verification failed")
		s.bus.PublishError(ToChannelError(err, ErrCodeInvalidUpdate))
		return nil, err
	}

	next.LatestUpdate = countersigned
	if err := s.store.SaveChannelState(ctx, next, countersigned); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return nil, err
	}

	WithTraceContext(ctx, s.logger).Info("update applied",
		"channelAddress", next.ChannelAddress.Hex(),
		"type", string(countersigned.Type),
		"nonce", countersigned.Nonce,
		"direction", "outbound")
	s.bus.PublishChannelUpdate(ChannelUpdateEvent{UpdatedChannelState: *next})
	return next, nil
}

// verifyCounterpartyResponse checks that the response to a proposal is
// the same update carrying a valid counterparty signature.
func (s *SyncService) verifyCounterpartyResponse(next *FullChannelState, sent *ChannelUpdate, response *Envelope) (*ChannelUpdate, error) {
	if response == nil {
		return nil, NewChannelError(ErrCodeMessagingFailure, "counterparty returned no response").
			WithChannel(next.ChannelAddress.Hex())
	}
	switch response.Kind() {
	case EnvelopeKindError:
		return nil, NewChannelError(ErrCodeRemoteError, "counterparty rejected update: %s", response.Error.Message).
			WithChannel(next.ChannelAddress.Hex()).
			WithContext("remoteCode", string(response.Error.Code)).
			WithCause(response.Error)
	case EnvelopeKindUpdate:
	default:
		return nil, NewChannelError(ErrCodeMessagingFailure, "counterparty response is not an update").
			WithChannel(next.ChannelAddress.Hex())
	}

	countersigned := response.Data.Update
	if countersigned.ChannelAddress != sent.ChannelAddress || countersigned.Nonce != sent.Nonce {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "counterparty response does not match proposed update").
			WithChannel(next.ChannelAddress.Hex())
	}
	sentHash, err := sent.Hash()
	if err != nil {
		return nil, err
	}
	gotHash, err := countersigned.Hash()
	if err != nil {
		return nil, err
	}
	if sentHash != gotHash {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "counterparty altered the proposed update").
			WithChannel(next.ChannelAddress.Hex())
	}
	if !countersigned.IsDoubleSigned() {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "counterparty response is not double-signed").
			WithChannel(next.ChannelAddress.Hex())
	}
	counterpartyIdx, ok := next.ParticipantIndex(response.From)
	if !ok {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "responder %s is not a channel participant", response.From).
			WithChannel(next.ChannelAddress.Hex())
	}
	if err := VerifyUpdateSignature(*countersigned, next.Participants, counterpartyIdx); err != nil {
		return nil, err
	}
	return countersigned, nil
}

// handleEnvelope is the single inbound entry point. Messages from
// ourselves and unrecognizable payloads are dropped without effect;
// error envelopes feed the error sink; everything else is protocol.
func (s *SyncService) handleEnvelope(ctx context.Context, envelope Envelope) (*Envelope, error) {
	if envelope.From == s.identifier {
		s.logger.Debug("ignoring envelope from self")
		return nil, nil
	}

	switch envelope.Kind() {
	case EnvelopeKindMalformed:
		s.logger.Debug("ignoring malformed envelope", "from", envelope.From)
		return nil, nil
	case EnvelopeKindError:
		s.logger.Warn("counterparty reported protocol error",
			"from", envelope.From,
			"code", string(envelope.Error.Code),
			"message", envelope.Error.Message)
		s.bus.PublishError(envelope.Error)
		// The envelope's error is also the inbound result: the exchange
		// that triggered it failed.
		return nil, envelope.Error
	case EnvelopeKindSyncRequest:
		return s.handleSyncRequest(ctx, envelope)
	case EnvelopeKindUpdate:
		return s.handleInboundUpdate(ctx, envelope)
	}
	return nil, nil
}

// handleSyncRequest answers a backfill request with our latest
// double-signed commitment when we are ahead of the requester.
func (s *SyncService) handleSyncRequest(ctx context.Context, envelope Envelope) (*Envelope, error) {
	req := envelope.Data.SyncRequest
	unlock := s.lockChannel(req.ChannelAddress)
	defer unlock()

	commitment, err := s.store.GetChannelCommitment(ctx, req.ChannelAddress)
	if err != nil {
		return s.errorResponse(envelope.From, ToChannelError(err, ErrCodeStoreFailure).WithChannel(req.ChannelAddress.Hex())), nil
	}
	if commitment == nil || commitment.Nonce < req.FromNonce {
		s.logger.Debug("nothing to backfill",
			"channelAddress", req.ChannelAddress.Hex(),
			"fromNonce", req.FromNonce)
		return nil, nil
	}

	s.logger.Info("answering sync request with latest commitment",
		"channelAddress", req.ChannelAddress.Hex(),
		"fromNonce", req.FromNonce,
		"latestNonce", commitment.Nonce)
	response := NewUpdateEnvelope(s.identifier, envelope.From, commitment)
	return &response, nil
}

// handleInboundUpdate runs the inbound half of the protocol for a
// single proposed update.
func (s *SyncService) handleInboundUpdate(ctx context.Context, envelope Envelope) (*Envelope, error) {
	ctx, span := syncTracer.Start(ctx, "handleInboundUpdate")
	defer span.End()

	update := envelope.Data.Update
	if !update.Type.Valid() {
		cerr := NewChannelError(ErrCodeInvalidUpdate, "unknown update type %q", string(update.Type)).
			WithChannel(update.ChannelAddress.Hex())
		s.bus.PublishError(cerr)
		return s.errorResponse(envelope.From, cerr), nil
	}
	if update.ToIdentifier != s.identifier {
		cerr := NewChannelError(ErrCodeInvalidUpdate, "update is addressed to %s, not us", update.ToIdentifier).
			WithChannel(update.ChannelAddress.Hex())
		s.bus.PublishError(cerr)
		return s.errorResponse(envelope.From, cerr), nil
	}

	unlock := s.lockChannel(update.ChannelAddress)
	defer unlock()

	state, err := s.store.GetChannelState(ctx, update.ChannelAddress)
	if err != nil {
		cerr := ToChannelError(err, ErrCodeStoreFailure).WithChannel(update.ChannelAddress.Hex())
		s.bus.PublishError(cerr)
		return s.errorResponse(envelope.From, cerr), nil
	}

	// Nonce triage. Setup on an unknown channel bootstraps; a stale
	// update gets our latest commitment back so the counterparty can
	// catch up; a nonce gap means we are the one behind.
	if state != nil {
		switch {
		case update.Nonce <= state.Nonce:
			s.logger.Info("received stale update, nudging counterparty",
				"channelAddress", update.ChannelAddress.Hex(),
				"receivedNonce", update.Nonce,
				"storedNonce", state.Nonce)
			if state.LatestUpdate == nil {
				return nil, nil
			}
			response := NewUpdateEnvelope(s.identifier, envelope.From, state.LatestUpdate)
			return &response, nil
		case update.Nonce > state.Nonce+1:
			s.logger.Info("received update beyond our head, requesting backfill",
				"channelAddress", update.ChannelAddress.Hex(),
				"receivedNonce", update.Nonce,
				"storedNonce", state.Nonce)
			response := NewSyncRequestEnvelope(s.identifier, envelope.From, &SyncRequest{
				ChannelAddress: update.ChannelAddress,
				FromNonce:      state.Nonce + 1,
			})
			return &response, nil
		}
	}

	next, countersigned, err := ApplyInboundUpdate(state, *update, s.signer)
	if err != nil {
		cerr := ToChannelError(err, ErrCodeInvalidUpdate).WithChannel(update.ChannelAddress.Hex())
		span.RecordError(cerr)
		span.SetStatus(codes.Error, "update rejected")
		s.logger.Warn("rejecting inbound update",
			"channelAddress", update.ChannelAddress.Hex(),
			"type", string(update.Type),
			"nonce", update.Nonce,
			"error", cerr)
		s.bus.PublishError(cerr)
		return s.errorResponse(envelope.From, cerr), nil
	}

	if err := s.store.SaveChannelState(ctx, next, countersigned); err != nil {
		cerr := ToChannelError(err, ErrCodeStoreFailure).WithChannel(update.ChannelAddress.Hex())
		s.bus.PublishError(cerr)
		return s.errorResponse(envelope.From, cerr), nil
	}

	WithTraceContext(ctx, s.logger).Info("update applied",
		"channelAddress", next.ChannelAddress.Hex(),
		"type", string(countersigned.Type),
		"nonce", countersigned.Nonce,
		"direction", "inbound")
	s.bus.PublishChannelUpdate(ChannelUpdateEvent{UpdatedChannelState: *next})

	response := NewUpdateEnvelope(s.identifier, envelope.From, countersigned)
	return &response, nil
}

func (s *SyncService) errorResponse(to string, cerr *ChannelError) *Envelope {
	response := NewErrorEnvelope(s.identifier, to, cerr)
	return &response
}
