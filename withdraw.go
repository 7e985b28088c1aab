package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/statewire/channeld/pkg/sign"
)

// WithdrawCommitment is the payload both participants authorize before
// value leaves the channel on-chain. The recipient and amount are
// pinned by the commitment hash, so a counterparty cannot redirect a
// withdrawal it co-signs.
type WithdrawCommitment struct {
	ChannelAddress common.Address    `json:"channelAddress"`
	Participants   [2]common.Address `json:"participants"`
	Recipient      common.Address    `json:"recipient"`
	AssetID        common.Address    `json:"assetId"`
	Amount         decimal.Decimal   `json:"amount"`
	Nonce          uint64            `json:"nonce"`
}

func NewWithdrawCommitment(
	channelAddress common.Address,
	participants [2]common.Address,
	recipient common.Address,
	assetID common.Address,
	amount decimal.Decimal,
	nonce uint64,
) *WithdrawCommitment {
	return &WithdrawCommitment{
		ChannelAddress: channelAddress,
		Participants:   participants,
		Recipient:      recipient,
		AssetID:        assetID,
		Amount:         amount,
		Nonce:          nonce,
	}
}

// HashToSign returns the digest both parties sign to authorize the
// withdrawal. The fields are ABI-encoded in the order the settlement
// contract verifies them.
func (c *WithdrawCommitment) HashToSign() (common.Hash, error) {
	args := abi.Arguments{
		{Type: abiAddress},   // channel address
		{Type: abiAddresses}, // participants
		{Type: abiAddress},   // recipient
		{Type: abiAddress},   // asset
		{Type: abiUint256},   // amount
		{Type: abiUint256},   // withdraw nonce
	}
	packed, err := args.Pack(
		c.ChannelAddress,
		[]common.Address{c.Participants[0], c.Participants[1]},
		c.Recipient,
		c.AssetID,
		c.Amount.BigInt(),
		new(big.Int).SetUint64(c.Nonce),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode withdraw commitment: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// WithdrawData is the definition-specific initial data of a withdraw
// transfer. The fee compensates the counterparty that submits the
// withdrawal on-chain and stays off-chain with them on resolution.
type WithdrawData struct {
	Fee decimal.Decimal `json:"fee"`
}

// withdrawFee extracts the optional fee from a withdraw transfer's
// initial data. Empty data means no fee.
func withdrawFee(transfer TransferState) (decimal.Decimal, error) {
	if len(transfer.InitialState.Data) == 0 {
		return decimal.Zero, nil
	}
	var d WithdrawData
	if err := json.Unmarshal(transfer.InitialState.Data, &d); err != nil {
		return decimal.Zero, NewChannelError(ErrCodeInvalidUpdate, "malformed withdraw data: %v", err).WithCause(err)
	}
	if d.Fee.IsNegative() {
		return decimal.Zero, NewChannelError(ErrCodeInvalidUpdate, "withdraw fee is negative")
	}
	return d.Fee, nil
}

// withdrawCommitmentForTransfer rebuilds the commitment a withdraw
// transfer pins. The escrow total minus the counterparty fee is the
// on-chain amount both parties sign over.
func withdrawCommitmentForTransfer(state *FullChannelState, transfer TransferState) (*WithdrawCommitment, error) {
	fee, err := withdrawFee(transfer)
	if err != nil {
		return nil, err
	}
	amount := transfer.InitialState.Balance.Total().Sub(fee)
	if amount.IsNegative() {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "withdraw fee %s exceeds escrowed total %s",
			fee.String(), transfer.InitialState.Balance.Total().String()).
			WithChannel(state.ChannelAddress.Hex())
	}
	return NewWithdrawCommitment(
		state.ChannelAddress,
		state.Participants,
		transfer.InitialState.Balance.To[0],
		transfer.AssetID,
		amount,
		transfer.InitialState.Nonce,
	), nil
}

// transferResolver is the slice of the engine the withdraw listener
// needs. Satisfied by *Engine.
type transferResolver interface {
	ResolveTransfer(ctx context.Context, params ResolveTransferParams) (*FullChannelState, error)
}

// WithdrawListener co-signs and resolves withdraw transfers created by
// the counterparty. Without it a withdrawal initiated by the peer
// would sit in the active transfer set forever.
type WithdrawListener struct {
	signer     sign.Signer
	identifier string
	resolver   transferResolver
	logger     Logger
}

func NewWithdrawListener(signer sign.Signer, resolver transferResolver, logger Logger) *WithdrawListener {
	return &WithdrawListener{
		signer:     signer,
		identifier: signer.PublicIdentifier(),
		resolver:   resolver,
		logger:     logger.NewSystem("withdraw-listener"),
	}
}

// Attach subscribes the listener to counterparty-initiated withdraw
// creations on the bus. Resolution failures are logged, never fatal:
// the withdrawal stays active and can be resolved manually.
func (l *WithdrawListener) Attach(bus *EventBus) {
	bus.SubscribeChannelUpdate(func(event ChannelUpdateEvent) bool {
		update := event.UpdatedChannelState.LatestUpdate
		if update == nil || update.Type != UpdateTypeCreate {
			return false
		}
		if update.FromIdentifier == l.identifier {
			return false
		}
		details, ok := update.Details.(*CreateUpdateDetails)
		if !ok {
			return false
		}
		return details.TransferDefinition == event.UpdatedChannelState.NetworkContext.WithdrawDefinition
	}, func(event ChannelUpdateEvent) {
		if err := l.handleWithdrawCreated(context.Background(), event); err != nil {
			details := event.UpdatedChannelState.LatestUpdate.Details.(*CreateUpdateDetails)
			l.logger.Error("failed to resolve counterparty withdrawal",
				"method", "handleWithdrawCreated",
				"channelAddress", event.UpdatedChannelState.ChannelAddress.Hex(),
				"transferId", details.TransferID.Hex(),
				"error", err)
		}
	})
}

func (l *WithdrawListener) handleWithdrawCreated(ctx context.Context, event ChannelUpdateEvent) error {
	state := event.UpdatedChannelState
	details := state.LatestUpdate.Details.(*CreateUpdateDetails)

	transfer, _, ok := state.FindTransfer(details.TransferID)
	if !ok {
		return NewChannelError(ErrCodeTransferNotFound, "withdraw transfer %s is not active", details.TransferID.Hex()).
			WithChannel(state.ChannelAddress.Hex())
	}

	commitment, err := withdrawCommitmentForTransfer(&state, *transfer)
	if err != nil {
		return err
	}
	hash, err := commitment.HashToSign()
	if err != nil {
		return err
	}
	responderSig, err := l.signer.Sign(hash.Bytes())
	if err != nil {
		return fmt.Errorf("failed to sign withdraw commitment: %w", err)
	}

	resolver, err := json.Marshal(WithdrawResolver{ResponderSignature: responderSig})
	if err != nil {
		return fmt.Errorf("failed to encode withdraw resolver: %w", err)
	}

	l.logger.Info("co-signing counterparty withdrawal",
		"channelAddress", state.ChannelAddress.Hex(),
		"transferId", details.TransferID.Hex(),
		"recipient", commitment.Recipient.Hex(),
		"amount", commitment.Amount.String())

	_, err = l.resolver.ResolveTransfer(ctx, ResolveTransferParams{
		ChannelAddress:   state.ChannelAddress,
		TransferID:       details.TransferID,
		TransferResolver: resolver,
	})
	return err
}
