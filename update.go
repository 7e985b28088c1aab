package main

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/statewire/channeld/pkg/sign"
)

// The channel update state machine. Given a channel's current
// persisted state (or none) and a candidate update, it decides
// acceptance and computes the resulting state. Rejection never mutates
// the input state.

// ApplyInboundUpdate validates a counterparty-signed update and
// produces the next channel state together with the double-signed
// update that is the only externally-trusted artifact. state is nil
// for a setup update on a previously unknown channel.
func ApplyInboundUpdate(state *FullChannelState, update ChannelUpdate, signer sign.Signer) (*FullChannelState, *ChannelUpdate, error) {
	next, err := NextChannelState(state, update)
	if err != nil {
		return nil, nil, err
	}

	senderIdx, ok := next.ParticipantIndex(update.FromIdentifier)
	if !ok {
		return nil, nil, NewChannelError(ErrCodeInvalidUpdate, "sender %s is not a channel participant", update.FromIdentifier).
			WithChannel(update.ChannelAddress.Hex())
	}
	if err := VerifyUpdateSignature(update, next.Participants, senderIdx); err != nil {
		return nil, nil, err
	}

	signed, err := CounterSignUpdate(update, next.Participants, signer)
	if err != nil {
		return nil, nil, err
	}

	next.LatestUpdate = signed
	return next, signed, nil
}

// VerifyUpdateSignature checks that the signature at participantIndex
// recovers to that participant's address over the update's canonical hash.
func VerifyUpdateSignature(update ChannelUpdate, participants [2]common.Address, participantIndex int) error {
	sig := update.Signatures[participantIndex]
	if sig.IsZero() {
		return NewChannelError(ErrCodeInvalidUpdate, "update is missing participant %d signature", participantIndex).
			WithChannel(update.ChannelAddress.Hex())
	}
	hash, err := update.Hash()
	if err != nil {
		return NewChannelError(ErrCodeInvalidUpdate, "failed to hash update: %v", err).
			WithChannel(update.ChannelAddress.Hex()).WithCause(err)
	}
	recovered, err := sign.RecoverAddressFromHash(hash.Bytes(), sig)
	if err != nil {
		return NewChannelError(ErrCodeInvalidUpdate, "failed to recover update signer: %v", err).
			WithChannel(update.ChannelAddress.Hex()).WithCause(err)
	}
	expected := sign.NewEthereumAddress(participants[participantIndex])
	if !recovered.Equals(expected) {
		return NewChannelError(ErrCodeInvalidUpdate, "update signature recovers to %s, expected participant %d (%s)",
			recovered.String(), participantIndex, expected.String()).
			WithChannel(update.ChannelAddress.Hex())
	}
	return nil
}

// CounterSignUpdate attaches the local signer's signature to the
// update, producing the double-signed form. The signer must be one of
// the channel participants.
func CounterSignUpdate(update ChannelUpdate, participants [2]common.Address, signer sign.Signer) (*ChannelUpdate, error) {
	selfAddr := signer.PublicKey().Address()
	selfIdx := -1
	for i, p := range participants {
		if selfAddr.Equals(sign.NewEthereumAddress(p)) {
			selfIdx = i
		}
	}
	if selfIdx < 0 {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "local signer %s is not a channel participant", selfAddr.String()).
			WithChannel(update.ChannelAddress.Hex())
	}

	hash, err := update.Hash()
	if err != nil {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "failed to hash update: %v", err).WithCause(err)
	}
	sig, err := signer.Sign(hash.Bytes())
	if err != nil {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "failed to sign update: %v", err).WithCause(err)
	}

	signed := update
	signed.Signatures[selfIdx] = sig
	return &signed, nil
}

// NextChannelState is the pure transition function: it validates the
// update against the current state and returns the tentative next
// state without touching signatures.
func NextChannelState(state *FullChannelState, update ChannelUpdate) (*FullChannelState, error) {
	if !update.Type.Valid() {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "unknown update type %q", update.Type).
			WithChannel(update.ChannelAddress.Hex())
	}

	if state == nil {
		if update.Type != UpdateTypeSetup {
			return nil, NewChannelError(ErrCodeChannelNotFound, "no stored state for %s update", update.Type).
				WithChannel(update.ChannelAddress.Hex())
		}
		return applySetup(update)
	}

	if update.Type == UpdateTypeSetup {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "setup update on an active channel").
			WithChannel(update.ChannelAddress.Hex())
	}
	if update.ChannelAddress != state.ChannelAddress {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "update addressed to %s, state is %s",
			update.ChannelAddress.Hex(), state.ChannelAddress.Hex())
	}
	if update.Nonce != state.Nonce+1 {
		return nil, NewChannelError(ErrCodeInvalidNonce, "update nonce %d, expected %d", update.Nonce, state.Nonce+1).
			WithChannel(update.ChannelAddress.Hex()).
			WithContext("storedNonce", fmt.Sprintf("%d", state.Nonce))
	}

	next := state.Clone()
	next.Nonce = update.Nonce

	var err error
	switch update.Type {
	case UpdateTypeDeposit:
		err = applyDeposit(next, update)
	case UpdateTypeCreate:
		err = applyCreate(next, update)
	case UpdateTypeResolve:
		err = applyResolve(next, update)
	}
	if err != nil {
		return nil, err
	}
	return next, nil
}

func applySetup(update ChannelUpdate) (*FullChannelState, error) {
	details, ok := update.Details.(*SetupUpdateDetails)
	if !ok {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "setup update carries %T details", update.Details)
	}
	if update.Nonce != 1 {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "setup update must carry nonce 1, got %d", update.Nonce).
			WithChannel(update.ChannelAddress.Hex())
	}

	// The setup initiator is Alice, the addressed party is Bob.
	aliceAddr, err := sign.AddressFromPublicIdentifier(update.FromIdentifier)
	if err != nil {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "invalid initiator identifier: %v", err).WithCause(err)
	}
	bobAddr, err := sign.AddressFromPublicIdentifier(update.ToIdentifier)
	if err != nil {
		return nil, NewChannelError(ErrCodeInvalidUpdate, "invalid counterparty identifier: %v", err).WithCause(err)
	}

	return &FullChannelState{
		ChannelAddress:      update.ChannelAddress,
		Participants:        [2]common.Address{common.HexToAddress(aliceAddr.String()), common.HexToAddress(bobAddr.String())},
		PublicIdentifiers:   [2]string{update.FromIdentifier, update.ToIdentifier},
		Timeout:             details.Timeout,
		AssetIDs:            []common.Address{},
		Balances:            []Balance{},
		LatestDepositNonces: []uint64{},
		Nonce:               1,
		NetworkContext:      details.NetworkContext,
	}, nil
}

func applyDeposit(next *FullChannelState, update ChannelUpdate) error {
	details, ok := update.Details.(*DepositUpdateDetails)
	if !ok {
		return NewChannelError(ErrCodeInvalidUpdate, "deposit update carries %T details", update.Details)
	}

	idx := next.EnsureAsset(update.AssetID)
	if update.Balance.To != next.Balances[idx].To {
		return NewChannelError(ErrCodeInvalidUpdate, "deposit changes balance recipients").
			WithChannel(update.ChannelAddress.Hex())
	}
	if details.LatestDepositNonce < next.LatestDepositNonces[idx] {
		return NewChannelError(ErrCodeInvalidUpdate, "deposit rewinds deposit nonce from %d to %d",
			next.LatestDepositNonces[idx], details.LatestDepositNonce).
			WithChannel(update.ChannelAddress.Hex())
	}
	// A deposit only adds funds. Neither participant's amount may drop
	// below what the current state already credits them.
	for i := range update.Balance.Amount {
		if update.Balance.Amount[i].LessThan(next.Balances[idx].Amount[i]) {
			return NewChannelError(ErrCodeInvalidUpdate, "deposit reduces participant %d balance from %s to %s",
				i, next.Balances[idx].Amount[i].String(), update.Balance.Amount[i].String()).
				WithChannel(update.ChannelAddress.Hex())
		}
	}

	next.Balances[idx] = update.Balance.Clone()
	next.LatestDepositNonces[idx] = details.LatestDepositNonce
	return nil
}

func applyCreate(next *FullChannelState, update ChannelUpdate) error {
	details, ok := update.Details.(*CreateUpdateDetails)
	if !ok {
		return NewChannelError(ErrCodeInvalidUpdate, "create update carries %T details", update.Details)
	}
	if _, _, exists := next.FindTransfer(details.TransferID); exists {
		return NewChannelError(ErrCodeInvalidUpdate, "transfer %s already exists", details.TransferID.Hex()).
			WithChannel(update.ChannelAddress.Hex())
	}

	creatorIdx, ok := next.ParticipantIndex(update.FromIdentifier)
	if !ok {
		return NewChannelError(ErrCodeInvalidUpdate, "create from non-participant %s", update.FromIdentifier).
			WithChannel(update.ChannelAddress.Hex())
	}

	assetIdx, ok := next.AssetIndex(update.AssetID)
	if !ok {
		return NewChannelError(ErrCodeInvalidUpdate, "create references unknown asset %s", update.AssetID.Hex()).
			WithChannel(update.ChannelAddress.Hex())
	}

	transferTotal := details.TransferInitialState.Balance.Total()
	if transferTotal.IsNegative() {
		return NewChannelError(ErrCodeInvalidUpdate, "transfer balance is negative").
			WithChannel(update.ChannelAddress.Hex())
	}
	remaining := next.Balances[assetIdx].Amount[creatorIdx].Sub(transferTotal)
	if remaining.IsNegative() {
		return NewChannelError(ErrCodeInvalidUpdate, "insufficient balance: creator holds %s, transfer needs %s",
			next.Balances[assetIdx].Amount[creatorIdx].String(), transferTotal.String()).
			WithChannel(update.ChannelAddress.Hex()).
			WithContext("transferId", details.TransferID.Hex())
	}

	next.Balances[assetIdx].Amount[creatorIdx] = remaining
	if !balancesEqual(update.Balance, next.Balances[assetIdx]) {
		return NewChannelError(ErrCodeInvalidUpdate, "create update balance does not match expected post-transfer balance").
			WithChannel(update.ChannelAddress.Hex()).
			WithContext("transferId", details.TransferID.Hex())
	}

	next.ActiveTransfers = append(next.ActiveTransfers, TransferState{
		TransferID:         details.TransferID,
		RoutingID:          details.RoutingID,
		ChannelAddress:     update.ChannelAddress,
		TransferDefinition: details.TransferDefinition,
		AssetID:            update.AssetID,
		Timeout:            details.TransferTimeout,
		InitialState:       details.TransferInitialState,
		Balance:            details.TransferInitialState.Balance.Clone(),
		Meta:               details.Meta,
	})

	root, err := ComputeMerkleRoot(next.ActiveTransfers)
	if err != nil {
		return NewChannelError(ErrCodeInvalidUpdate, "failed to compute merkle root: %v", err).WithCause(err)
	}
	next.MerkleRoot = root
	return nil
}

func applyResolve(next *FullChannelState, update ChannelUpdate) error {
	details, ok := update.Details.(*ResolveUpdateDetails)
	if !ok {
		return NewChannelError(ErrCodeInvalidUpdate, "resolve update carries %T details", update.Details)
	}

	transfer, idx, exists := next.FindTransfer(details.TransferID)
	if !exists {
		return NewChannelError(ErrCodeTransferNotFound, "transfer %s is not active", details.TransferID.Hex()).
			WithChannel(update.ChannelAddress.Hex())
	}
	if details.TransferDefinition != transfer.TransferDefinition {
		return NewChannelError(ErrCodeInvalidUpdate, "resolver targets definition %s, transfer uses %s",
			details.TransferDefinition.Hex(), transfer.TransferDefinition.Hex()).
			WithChannel(update.ChannelAddress.Hex())
	}

	finalBalance, err := resolveTransferBalance(next, *transfer, details.TransferResolver)
	if err != nil {
		return err
	}

	assetIdx, ok := next.AssetIndex(transfer.AssetID)
	if !ok {
		return NewChannelError(ErrCodeInvalidUpdate, "transfer asset %s is unknown to the channel", transfer.AssetID.Hex()).
			WithChannel(update.ChannelAddress.Hex())
	}

	// Credit the final balance back into liquid channel balances,
	// matched by recipient address.
	for j := 0; j < 2; j++ {
		if finalBalance.Amount[j].IsZero() {
			continue
		}
		credited := false
		for p := 0; p < 2; p++ {
			if next.Balances[assetIdx].To[p] == finalBalance.To[j] {
				next.Balances[assetIdx].Amount[p] = next.Balances[assetIdx].Amount[p].Add(finalBalance.Amount[j])
				credited = true
				break
			}
		}
		if !credited {
			return NewChannelError(ErrCodeInvalidUpdate, "resolver credits non-participant %s", finalBalance.To[j].Hex()).
				WithChannel(update.ChannelAddress.Hex())
		}
	}

	next.ActiveTransfers = append(next.ActiveTransfers[:idx], next.ActiveTransfers[idx+1:]...)
	if len(next.ActiveTransfers) == 0 {
		next.ActiveTransfers = nil
	}

	root, err := ComputeMerkleRoot(next.ActiveTransfers)
	if err != nil {
		return NewChannelError(ErrCodeInvalidUpdate, "failed to compute merkle root: %v", err).WithCause(err)
	}
	next.MerkleRoot = root
	return nil
}

// resolveTransferBalance validates the supplied resolver against the
// transfer's definition and computes the final balance split.
func resolveTransferBalance(state *FullChannelState, transfer TransferState, resolver json.RawMessage) (Balance, error) {
	switch transfer.TransferDefinition {
	case state.NetworkContext.WithdrawDefinition:
		return resolveWithdraw(state, transfer, resolver)
	case state.NetworkContext.HashlockDefinition:
		return resolveHashlock(transfer, resolver)
	default:
		return Balance{}, NewChannelError(ErrCodeInvalidUpdate, "unsupported transfer definition %s", transfer.TransferDefinition.Hex()).
			WithChannel(state.ChannelAddress.Hex())
	}
}

// resolveWithdraw checks that both participants have authorized the
// withdraw commitment. The withdrawn amount leaves the channel through
// on-chain execution; an optional fee stays off-chain with the
// counterparty that submits the withdrawal.
func resolveWithdraw(state *FullChannelState, transfer TransferState, resolver json.RawMessage) (Balance, error) {
	var r WithdrawResolver
	if err := json.Unmarshal(resolver, &r); err != nil {
		return Balance{}, NewChannelError(ErrCodeInvalidUpdate, "malformed withdraw resolver: %v", err).WithCause(err)
	}
	if r.ResponderSignature.IsZero() {
		return Balance{}, NewChannelError(ErrCodeInvalidUpdate, "withdraw resolver is missing responder signature")
	}
	if transfer.InitialState.InitiatorSignature.IsZero() {
		return Balance{}, NewChannelError(ErrCodeInvalidUpdate, "withdraw transfer is missing initiator signature").
			WithChannel(state.ChannelAddress.Hex())
	}

	commitment, err := withdrawCommitmentForTransfer(state, transfer)
	if err != nil {
		return Balance{}, err
	}
	hash, err := commitment.HashToSign()
	if err != nil {
		return Balance{}, NewChannelError(ErrCodeInvalidUpdate, "failed to hash withdraw commitment: %v", err).WithCause(err)
	}

	responder, err := sign.RecoverAddressFromHash(hash.Bytes(), r.ResponderSignature)
	if err != nil {
		return Balance{}, NewChannelError(ErrCodeInvalidUpdate, "failed to recover withdraw responder: %v", err).WithCause(err)
	}
	if !isParticipant(responder, state.Participants) {
		return Balance{}, NewChannelError(ErrCodeInvalidUpdate, "withdraw responder %s is not a participant", responder.String()).
			WithChannel(state.ChannelAddress.Hex())
	}
	initiator, err := sign.RecoverAddressFromHash(hash.Bytes(), transfer.InitialState.InitiatorSignature)
	if err != nil {
		return Balance{}, NewChannelError(ErrCodeInvalidUpdate, "failed to recover withdraw initiator: %v", err).WithCause(err)
	}
	if !isParticipant(initiator, state.Participants) {
		return Balance{}, NewChannelError(ErrCodeInvalidUpdate, "withdraw initiator %s is not a participant", initiator.String()).
			WithChannel(state.ChannelAddress.Hex())
	}
	if initiator.Equals(responder) {
		return Balance{}, NewChannelError(ErrCodeInvalidUpdate, "withdraw initiator and responder are the same party")
	}

	fee := transfer.InitialState.Balance.Total().Sub(commitment.Amount)
	return Balance{
		Amount: [2]decimal.Decimal{decimal.Zero, fee},
		To:     transfer.InitialState.Balance.To,
	}, nil
}

// resolveHashlock releases the escrowed value to the transfer
// recipient when the preimage matches the lock hash.
func resolveHashlock(transfer TransferState, resolver json.RawMessage) (Balance, error) {
	var r HashlockResolver
	if err := json.Unmarshal(resolver, &r); err != nil {
		return Balance{}, NewChannelError(ErrCodeInvalidUpdate, "malformed hashlock resolver: %v", err).WithCause(err)
	}

	var lock struct {
		LockHash common.Hash `json:"lockHash"`
	}
	if err := json.Unmarshal(transfer.InitialState.Data, &lock); err != nil {
		return Balance{}, NewChannelError(ErrCodeInvalidUpdate, "transfer is missing lock hash: %v", err).WithCause(err)
	}

	preimage, err := hexutil.Decode(r.Preimage)
	if err != nil {
		return Balance{}, NewChannelError(ErrCodeInvalidUpdate, "malformed hashlock preimage: %v", err).WithCause(err)
	}
	if crypto.Keccak256Hash(preimage) != lock.LockHash {
		return Balance{}, NewChannelError(ErrCodeInvalidUpdate, "hashlock preimage does not match lock hash")
	}

	return Balance{
		Amount: [2]decimal.Decimal{transfer.InitialState.Balance.Total(), decimal.Zero},
		To:     transfer.InitialState.Balance.To,
	}, nil
}

func isParticipant(addr sign.Address, participants [2]common.Address) bool {
	for _, p := range participants {
		if addr.Equals(sign.NewEthereumAddress(p)) {
			return true
		}
	}
	return false
}

func balancesEqual(a, b Balance) bool {
	return a.To == b.To && a.Amount[0].Equal(b.Amount[0]) && a.Amount[1].Equal(b.Amount[1])
}
