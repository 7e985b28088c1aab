package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/statewire/channeld/pkg/sign"
)

// SetupChannelParams opens a new channel with the counterparty. The
// caller becomes Alice, the addressed party Bob.
type SetupChannelParams struct {
	CounterpartyIdentifier string         `json:"counterpartyIdentifier" validate:"required"`
	Timeout                uint64         `json:"timeout" validate:"required"`
	NetworkContext         NetworkContext `json:"networkContext" validate:"required"`
	// CreationNonce disambiguates multiple channels between the same
	// pair on the same chain.
	CreationNonce uint64          `json:"creationNonce"`
	Meta          json.RawMessage `json:"meta,omitempty"`
}

// DepositParams reconciles on-chain deposits for one channel asset
// into the off-chain balance.
type DepositParams struct {
	ChannelAddress common.Address  `json:"channelAddress" validate:"required"`
	AssetID        common.Address  `json:"assetId"`
	Meta           json.RawMessage `json:"meta,omitempty"`
}

// ConditionalTransferParams escrows part of the caller's balance into
// a new conditional transfer.
type ConditionalTransferParams struct {
	ChannelAddress     common.Address  `json:"channelAddress" validate:"required"`
	AssetID            common.Address  `json:"assetId"`
	Amount             decimal.Decimal `json:"amount" validate:"required"`
	Recipient          common.Address  `json:"recipient" validate:"required"`
	TransferDefinition common.Address  `json:"transferDefinition" validate:"required"`
	Timeout            uint64          `json:"timeout"`
	// RecipientChainID and RecipientAssetID describe the destination of
	// a routed transfer; recorded in the transfer meta when set.
	RecipientChainID uint32         `json:"recipientChainId,omitempty"`
	RecipientAssetID common.Address `json:"recipientAssetId,omitempty"`
	// Details is definition-specific initial data, e.g. the lock hash
	// of a hashlock transfer.
	Details json.RawMessage `json:"details,omitempty"`
	// RoutingID correlates transfers across hops; generated when zero.
	RoutingID common.Hash     `json:"routingId"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	// InitiatorSignature authorizes definitions that require it, such
	// as withdraw commitments.
	InitiatorSignature sign.Signature `json:"initiatorSignature,omitempty"`
}

// ResolveTransferParams settles an active conditional transfer.
type ResolveTransferParams struct {
	ChannelAddress   common.Address  `json:"channelAddress" validate:"required"`
	TransferID       common.Hash     `json:"transferId" validate:"required"`
	TransferResolver json.RawMessage `json:"transferResolver" validate:"required"`
	Meta             json.RawMessage `json:"meta,omitempty"`
}

// WithdrawParams moves channel funds to an on-chain recipient. The
// withdrawal is expressed as a withdraw-definition transfer that the
// counterparty co-signs and resolves.
type WithdrawParams struct {
	ChannelAddress common.Address  `json:"channelAddress" validate:"required"`
	AssetID        common.Address  `json:"assetId"`
	Amount         decimal.Decimal `json:"amount" validate:"required"`
	Recipient      common.Address  `json:"recipient" validate:"required"`
	// Fee is an optional amount left with the counterparty for
	// submitting the withdrawal on-chain.
	Fee  decimal.Decimal `json:"fee,omitempty"`
	Meta json.RawMessage `json:"meta,omitempty"`
}

// Engine is the param-driven operation surface of the node. Every
// operation proposes exactly one channel update through the sync
// service and returns the resulting double-signed state.
type Engine struct {
	store      Store
	sync       *SyncService
	onchain    OnchainService
	signer     sign.Signer
	identifier string
	bus        *EventBus
	logger     Logger
	validate   *validator.Validate
}

func NewEngine(store Store, syncService *SyncService, onchain OnchainService, signer sign.Signer, bus *EventBus, logger Logger) *Engine {
	engine := &Engine{
		store:      store,
		sync:       syncService,
		onchain:    onchain,
		signer:     signer,
		identifier: signer.PublicIdentifier(),
		bus:        bus,
		logger:     logger.NewSystem("engine"),
		validate:   validator.New(),
	}
	NewWithdrawListener(signer, engine, logger).Attach(bus)
	return engine
}

// Setup opens a channel and returns its initial state at nonce 1.
func (e *Engine) Setup(ctx context.Context, params SetupChannelParams) (*FullChannelState, error) {
	if err := e.validate.Struct(params); err != nil {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "invalid setup params: %v", err).WithCause(err)
	}
	if !sign.IsValidPublicIdentifier(params.CounterpartyIdentifier) {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "invalid counterparty identifier %q", params.CounterpartyIdentifier)
	}
	if params.CounterpartyIdentifier == e.identifier {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "cannot open a channel with ourselves")
	}

	aliceAddr := common.HexToAddress(e.signer.PublicKey().Address().String())
	bobSignAddr, err := sign.AddressFromPublicIdentifier(params.CounterpartyIdentifier)
	if err != nil {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "invalid counterparty identifier: %v", err).WithCause(err)
	}
	bobAddr := common.HexToAddress(bobSignAddr.String())

	channelAddress, err := CreateChannelAddress(aliceAddr, bobAddr, params.NetworkContext.ChainID, params.CreationNonce)
	if err != nil {
		return nil, err
	}

	existing, err := e.store.GetChannelState(ctx, channelAddress)
	if err != nil {
		return nil, ToChannelError(err, ErrCodeStoreFailure).WithChannel(channelAddress.Hex())
	}
	if existing != nil {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "channel already exists").WithChannel(channelAddress.Hex())
	}

	update := ChannelUpdate{
		ChannelAddress: channelAddress,
		FromIdentifier: e.identifier,
		ToIdentifier:   params.CounterpartyIdentifier,
		Type:           UpdateTypeSetup,
		Nonce:          1,
		Details: &SetupUpdateDetails{
			Timeout:        params.Timeout,
			NetworkContext: params.NetworkContext,
			Meta:           params.Meta,
		},
	}
	return e.sync.ProposeUpdate(ctx, nil, update)
}

// Deposit reconciles new on-chain deposits of the asset into the
// channel's off-chain balance and proposes the resulting update.
func (e *Engine) Deposit(ctx context.Context, params DepositParams) (*FullChannelState, error) {
	if err := e.validate.Struct(params); err != nil {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "invalid deposit params: %v", err).WithCause(err)
	}

	state, err := e.loadChannel(ctx, params.ChannelAddress)
	if err != nil {
		return nil, err
	}

	balance := ZeroBalance(state.Participants)
	var watermark uint64
	if idx, ok := state.AssetIndex(params.AssetID); ok {
		balance = state.Balances[idx].Clone()
		watermark = state.LatestDepositNonces[idx]
	}

	reconciled, err := ReconcileDeposit(ctx,
		state.ChannelAddress,
		state.NetworkContext.ChainID,
		balance,
		watermark,
		state.LockedBalance(params.AssetID),
		params.AssetID,
		e.onchain,
	)
	if err != nil {
		return nil, err
	}

	update := ChannelUpdate{
		ChannelAddress: state.ChannelAddress,
		FromIdentifier: e.identifier,
		ToIdentifier:   e.counterpartyIdentifier(state),
		Type:           UpdateTypeDeposit,
		Nonce:          state.Nonce + 1,
		AssetID:        params.AssetID,
		Balance:        reconciled.Balance,
		Details: &DepositUpdateDetails{
			LatestDepositNonce: reconciled.LatestDepositNonce,
			Meta:               params.Meta,
		},
	}
	return e.sync.ProposeUpdate(ctx, state, update)
}

// ConditionalTransfer escrows params.Amount from the caller's balance
// into a new transfer locked by the given definition.
func (e *Engine) ConditionalTransfer(ctx context.Context, params ConditionalTransferParams) (*FullChannelState, error) {
	if err := e.validate.Struct(params); err != nil {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "invalid transfer params: %v", err).WithCause(err)
	}

	state, err := e.loadChannel(ctx, params.ChannelAddress)
	if err != nil {
		return nil, err
	}
	return e.conditionalTransfer(ctx, state, params)
}

// conditionalTransfer builds and proposes the create update from an
// already-loaded state, so callers that derive signatures from the
// state (withdraw commitments) work off a single read.
func (e *Engine) conditionalTransfer(ctx context.Context, state *FullChannelState, params ConditionalTransferParams) (*FullChannelState, error) {
	if params.Amount.IsNegative() || params.Amount.IsZero() {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "transfer amount must be positive, got %s", params.Amount.String())
	}
	selfIdx, ok := state.ParticipantIndex(e.identifier)
	if !ok {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "we are not a participant of this channel").
			WithChannel(state.ChannelAddress.Hex())
	}
	assetIdx, ok := state.AssetIndex(params.AssetID)
	if !ok {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "channel holds no balance for asset %s", params.AssetID.Hex()).
			WithChannel(state.ChannelAddress.Hex())
	}
	if state.Balances[assetIdx].Amount[selfIdx].LessThan(params.Amount) {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "insufficient balance: have %s, need %s",
			state.Balances[assetIdx].Amount[selfIdx].String(), params.Amount.String()).
			WithChannel(state.ChannelAddress.Hex())
	}

	transferID := newRandomHash()
	routingID := params.RoutingID
	if routingID == (common.Hash{}) {
		routingID = newRandomHash()
	}

	meta := params.Meta
	if params.RecipientChainID != 0 || params.RecipientAssetID != (common.Address{}) {
		routed, err := json.Marshal(RoutedTransferMeta{
			RecipientChainID: params.RecipientChainID,
			RecipientAssetID: params.RecipientAssetID,
			Meta:             params.Meta,
		})
		if err != nil {
			return nil, NewChannelError(ErrCodeInvalidUpdate, "failed to encode transfer meta: %v", err).WithCause(err)
		}
		meta = routed
	}

	counterpartyAddr := state.Participants[1-selfIdx]
	initialState := TransferInitialState{
		Balance: Balance{
			Amount: [2]decimal.Decimal{params.Amount, decimal.Zero},
			To:     [2]common.Address{params.Recipient, counterpartyAddr},
		},
		Nonce:              state.Nonce + 1,
		InitiatorSignature: params.InitiatorSignature,
		Data:               params.Details,
	}

	postTransfer := state.Balances[assetIdx].Clone()
	postTransfer.Amount[selfIdx] = postTransfer.Amount[selfIdx].Sub(params.Amount)

	pending := append(append([]TransferState(nil), state.ActiveTransfers...), TransferState{
		TransferID:         transferID,
		RoutingID:          routingID,
		ChannelAddress:     state.ChannelAddress,
		TransferDefinition: params.TransferDefinition,
		AssetID:            params.AssetID,
		Timeout:            params.Timeout,
		InitialState:       initialState,
		Balance:            initialState.Balance.Clone(),
		Meta:               meta,
	})
	root, err := ComputeMerkleRoot(pending)
	if err != nil {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "failed to compute merkle root: %v", err).WithCause(err)
	}

	update := ChannelUpdate{
		ChannelAddress: state.ChannelAddress,
		FromIdentifier: e.identifier,
		ToIdentifier:   e.counterpartyIdentifier(state),
		Type:           UpdateTypeCreate,
		Nonce:          state.Nonce + 1,
		AssetID:        params.AssetID,
		Balance:        postTransfer,
		Details: &CreateUpdateDetails{
			TransferID:           transferID,
			RoutingID:            routingID,
			TransferDefinition:   params.TransferDefinition,
			TransferTimeout:      params.Timeout,
			TransferInitialState: initialState,
			MerkleRoot:           root,
			Meta:                 meta,
		},
	}
	return e.sync.ProposeUpdate(ctx, state, update)
}

// ResolveTransfer settles an active transfer with the supplied
// resolver and credits the final balance back into the channel.
func (e *Engine) ResolveTransfer(ctx context.Context, params ResolveTransferParams) (*FullChannelState, error) {
	if err := e.validate.Struct(params); err != nil {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "invalid resolve params: %v", err).WithCause(err)
	}

	state, err := e.loadChannel(ctx, params.ChannelAddress)
	if err != nil {
		return nil, err
	}
	transfer, idx, ok := state.FindTransfer(params.TransferID)
	if !ok {
		return nil, NewChannelError(ErrCodeTransferNotFound, "transfer %s is not active", params.TransferID.Hex()).
			WithChannel(state.ChannelAddress.Hex())
	}

	remaining := append(append([]TransferState(nil), state.ActiveTransfers[:idx]...), state.ActiveTransfers[idx+1:]...)
	root, err := ComputeMerkleRoot(remaining)
	if err != nil {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "failed to compute merkle root: %v", err).WithCause(err)
	}

	update := ChannelUpdate{
		ChannelAddress: state.ChannelAddress,
		FromIdentifier: e.identifier,
		ToIdentifier:   e.counterpartyIdentifier(state),
		Type:           UpdateTypeResolve,
		Nonce:          state.Nonce + 1,
		AssetID:        transfer.AssetID,
		Details: &ResolveUpdateDetails{
			TransferID:         params.TransferID,
			TransferDefinition: transfer.TransferDefinition,
			TransferResolver:   params.TransferResolver,
			MerkleRoot:         root,
			Meta:               params.Meta,
		},
	}
	return e.sync.ProposeUpdate(ctx, state, update)
}

// Withdraw creates a withdraw transfer carrying our commitment
// signature. The counterparty's withdraw listener co-signs and
// resolves it, completing the two-sided authorization. The commitment
// and the transfer are built from the same state read, so the nonce
// the signature covers is the nonce the transfer records.
func (e *Engine) Withdraw(ctx context.Context, params WithdrawParams) (*FullChannelState, error) {
	if err := e.validate.Struct(params); err != nil {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "invalid withdraw params: %v", err).WithCause(err)
	}
	if params.Fee.IsNegative() {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "withdraw fee must not be negative, got %s", params.Fee.String())
	}

	state, err := e.loadChannel(ctx, params.ChannelAddress)
	if err != nil {
		return nil, err
	}

	commitment := NewWithdrawCommitment(
		state.ChannelAddress,
		state.Participants,
		params.Recipient,
		params.AssetID,
		params.Amount,
		state.Nonce+1,
	)
	hash, err := commitment.HashToSign()
	if err != nil {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "failed to hash withdraw commitment: %v", err).WithCause(err)
	}
	initiatorSig, err := e.signer.Sign(hash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign withdraw commitment: %w", err)
	}

	data, err := json.Marshal(WithdrawData{Fee: params.Fee})
	if err != nil {
		return nil, fmt.Errorf("failed to encode withdraw data: %w", err)
	}

	return e.conditionalTransfer(ctx, state, ConditionalTransferParams{
		ChannelAddress:     params.ChannelAddress,
		AssetID:            params.AssetID,
		Amount:             params.Amount.Add(params.Fee),
		Recipient:          params.Recipient,
		TransferDefinition: state.NetworkContext.WithdrawDefinition,
		Details:            data,
		Meta:               params.Meta,
		InitiatorSignature: initiatorSig,
	})
}

// GetChannelState returns the stored state for one channel, nil when
// the channel is unknown.
func (e *Engine) GetChannelState(ctx context.Context, channelAddress common.Address) (*FullChannelState, error) {
	return e.store.GetChannelState(ctx, channelAddress)
}

// GetChannelStates lists all channels this node participates in.
func (e *Engine) GetChannelStates(ctx context.Context) ([]FullChannelState, error) {
	return e.store.GetChannelStates(ctx)
}

func (e *Engine) loadChannel(ctx context.Context, channelAddress common.Address) (*FullChannelState, error) {
	state, err := e.store.GetChannelState(ctx, channelAddress)
	if err != nil {
		return nil, ToChannelError(err, ErrCodeStoreFailure).WithChannel(channelAddress.Hex())
	}
	if state == nil {
		return nil, NewChannelError(ErrCodeChannelNotFound, "channel is not set up").WithChannel(channelAddress.Hex())
	}
	return state, nil
}

func (e *Engine) counterpartyIdentifier(state *FullChannelState) string {
	if state.PublicIdentifiers[0] == e.identifier {
		return state.PublicIdentifiers[1]
	}
	return state.PublicIdentifiers[0]
}

// newRandomHash derives a 32-byte id from a fresh UUID.
func newRandomHash() common.Hash {
	id := uuid.New()
	return crypto.Keccak256Hash(id[:])
}
