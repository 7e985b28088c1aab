package main

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/statewire/channeld/pkg/sign"
)

// UpdateType enumerates the four channel state transitions.
type UpdateType string

const (
	UpdateTypeSetup   UpdateType = "setup"
	UpdateTypeDeposit UpdateType = "deposit"
	UpdateTypeCreate  UpdateType = "create"
	UpdateTypeResolve UpdateType = "resolve"
)

// Valid reports whether t is a known update type.
func (t UpdateType) Valid() bool {
	switch t {
	case UpdateTypeSetup, UpdateTypeDeposit, UpdateTypeCreate, UpdateTypeResolve:
		return true
	}
	return false
}

// Balance is the pair of amounts owed to the two channel participants.
// Index 0 is Alice (the channel initiator and multisig depositor),
// index 1 is Bob. To never changes after channel setup.
type Balance struct {
	// Amount holds integer token amounts (wei) as decimals.
	Amount [2]decimal.Decimal `json:"amount"`
	To     [2]common.Address  `json:"to"`
}

// Total returns the sum of both participant amounts.
func (b Balance) Total() decimal.Decimal {
	return b.Amount[0].Add(b.Amount[1])
}

// Clone returns a copy that shares no mutable state with b.
func (b Balance) Clone() Balance {
	return Balance{
		Amount: [2]decimal.Decimal{b.Amount[0].Copy(), b.Amount[1].Copy()},
		To:     b.To,
	}
}

// ZeroBalance returns a zeroed balance with the given recipients.
func ZeroBalance(to [2]common.Address) Balance {
	return Balance{
		Amount: [2]decimal.Decimal{decimal.Zero, decimal.Zero},
		To:     to,
	}
}

// NetworkContext pins the chain and the transfer definitions a channel
// was set up against. Immutable for the channel's lifetime.
type NetworkContext struct {
	ChainID            uint32         `json:"chainId"`
	WithdrawDefinition common.Address `json:"withdrawDefinition"`
	HashlockDefinition common.Address `json:"hashlockDefinition"`
}

// LatestDepositRecord is the most recent Alice-side deposit accounted
// for on chain for one asset. Nonce is monotonically increasing.
type LatestDepositRecord struct {
	Nonce  uint64          `json:"nonce"`
	Amount decimal.Decimal `json:"amount"`
}

// TransferInitialState is the starting state of a conditional transfer.
// For withdraw transfers, Balance carries the withdrawal amount with
// the on-chain recipient at index 0, and InitiatorSignature is the
// initiator's signature over the withdraw commitment hash.
type TransferInitialState struct {
	Balance            Balance         `json:"balance"`
	Nonce              uint64          `json:"nonce"`
	InitiatorSignature sign.Signature  `json:"initiatorSignature,omitempty"`
	Data               json.RawMessage `json:"data,omitempty"`
}

// TransferState is a conditional escrow sub-balance within a channel,
// created by a create update and removed by a matching resolve update.
// It is owned exclusively by the channel that created it until resolved.
type TransferState struct {
	TransferID         common.Hash          `json:"transferId"`
	RoutingID          common.Hash          `json:"routingId"`
	ChannelAddress     common.Address       `json:"channelAddress"`
	TransferDefinition common.Address       `json:"transferDefinition"`
	AssetID            common.Address       `json:"assetId"`
	Timeout            uint64               `json:"timeout"`
	InitialState       TransferInitialState `json:"initialState"`
	Balance            Balance              `json:"balance"`
	// Meta is opaque caller metadata; it is covered by the update
	// signatures but never interpreted by the state machine.
	Meta json.RawMessage `json:"meta,omitempty"`
}

// RoutedTransferMeta wraps caller metadata with the cross-chain
// destination of a routed transfer.
type RoutedTransferMeta struct {
	RecipientChainID uint32          `json:"recipientChainId"`
	RecipientAssetID common.Address  `json:"recipientAssetId"`
	Meta             json.RawMessage `json:"meta,omitempty"`
}

// Details payloads, one per update type.

type SetupUpdateDetails struct {
	Timeout        uint64          `json:"timeout"`
	NetworkContext NetworkContext  `json:"networkContext"`
	Meta           json.RawMessage `json:"meta,omitempty"`
}

type DepositUpdateDetails struct {
	// LatestDepositNonce is the reconciliation watermark after the
	// deposit was merged; both parties persist the same value.
	LatestDepositNonce uint64          `json:"latestDepositNonce"`
	Meta               json.RawMessage `json:"meta,omitempty"`
}

type CreateUpdateDetails struct {
	TransferID           common.Hash          `json:"transferId"`
	RoutingID            common.Hash          `json:"routingId"`
	TransferDefinition   common.Address       `json:"transferDefinition"`
	TransferTimeout      uint64               `json:"transferTimeout"`
	TransferInitialState TransferInitialState `json:"transferInitialState"`
	MerkleRoot           common.Hash          `json:"merkleRoot"`
	Meta                 json.RawMessage      `json:"meta,omitempty"`
}

type ResolveUpdateDetails struct {
	TransferID         common.Hash     `json:"transferId"`
	TransferDefinition common.Address  `json:"transferDefinition"`
	TransferResolver   json.RawMessage `json:"transferResolver"`
	MerkleRoot         common.Hash     `json:"merkleRoot"`
	Meta               json.RawMessage `json:"meta,omitempty"`
}

// WithdrawResolver unlocks a withdraw transfer: the responder's
// signature over the withdraw commitment hash.
type WithdrawResolver struct {
	ResponderSignature sign.Signature `json:"responderSignature"`
}

// HashlockResolver unlocks a hashlock transfer with the preimage of
// the lock hash.
type HashlockResolver struct {
	Preimage string `json:"preImage"`
}

// UpdateDetails is the tagged union of per-type update payloads.
type UpdateDetails interface{ updateDetails() }

func (*SetupUpdateDetails) updateDetails()   {}
func (*DepositUpdateDetails) updateDetails() {}
func (*CreateUpdateDetails) updateDetails()  {}
func (*ResolveUpdateDetails) updateDetails() {}

// ChannelUpdate is a single signed state transition. Once accepted by
// both sides it carries both participants' signatures over its
// canonical hash; Signatures is indexed by participant (0 = Alice).
type ChannelUpdate struct {
	ChannelAddress common.Address    `json:"channelAddress"`
	FromIdentifier string            `json:"fromIdentifier"`
	ToIdentifier   string            `json:"toIdentifier"`
	Type           UpdateType        `json:"type"`
	Nonce          uint64            `json:"nonce"`
	AssetID        common.Address    `json:"assetId"`
	Balance        Balance           `json:"balance"`
	Details        UpdateDetails     `json:"details"`
	Signatures     [2]sign.Signature `json:"signatures"`
}

// UnmarshalJSON decodes the details payload into the concrete type
// selected by the update type.
func (u *ChannelUpdate) UnmarshalJSON(data []byte) error {
	type alias ChannelUpdate
	aux := struct {
		*alias
		Details json.RawMessage `json:"details"`
	}{alias: (*alias)(u)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if len(aux.Details) == 0 {
		return fmt.Errorf("channel update missing details")
	}

	var details UpdateDetails
	switch u.Type {
	case UpdateTypeSetup:
		details = &SetupUpdateDetails{}
	case UpdateTypeDeposit:
		details = &DepositUpdateDetails{}
	case UpdateTypeCreate:
		details = &CreateUpdateDetails{}
	case UpdateTypeResolve:
		details = &ResolveUpdateDetails{}
	default:
		return fmt.Errorf("unknown update type: %q", u.Type)
	}
	if err := json.Unmarshal(aux.Details, details); err != nil {
		return fmt.Errorf("failed to decode %s details: %w", u.Type, err)
	}
	u.Details = details
	return nil
}

// IsDoubleSigned reports whether both participant signatures are present.
func (u ChannelUpdate) IsDoubleSigned() bool {
	return !u.Signatures[0].IsZero() && !u.Signatures[1].IsZero()
}

var (
	abiAddress, _   = abi.NewType("address", "", nil)
	abiUint256, _   = abi.NewType("uint256", "", nil)
	abiBytes32, _   = abi.NewType("bytes32", "", nil)
	abiAddresses, _ = abi.NewType("address[]", "", nil)
)

// Hash returns the canonical hash both participants sign. The core
// fields are ABI-encoded in the same order the settlement contracts
// use and hashed with Keccak-256; the details payload is folded in as
// the hash of its JSON encoding.
func (u ChannelUpdate) Hash() (common.Hash, error) {
	detailsJSON, err := json.Marshal(u.Details)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode update details: %w", err)
	}

	args := abi.Arguments{
		{Type: abiAddress}, // channel address
		{Type: abiUint256}, // nonce
		{Type: abiBytes32}, // update type
		{Type: abiAddress}, // asset
		{Type: abiUint256}, // amount to Alice
		{Type: abiUint256}, // amount to Bob
		{Type: abiAddress}, // Alice recipient
		{Type: abiAddress}, // Bob recipient
		{Type: abiBytes32}, // details hash
	}
	encoded, err := args.Pack(
		u.ChannelAddress,
		new(big.Int).SetUint64(u.Nonce),
		crypto.Keccak256Hash([]byte(u.Type)),
		u.AssetID,
		u.Balance.Amount[0].BigInt(),
		u.Balance.Amount[1].BigInt(),
		u.Balance.To[0],
		u.Balance.To[1],
		crypto.Keccak256Hash(detailsJSON),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode update: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

// FullChannelState is the complete off-chain view of one channel.
// The nonce strictly increases by exactly 1 per applied update, and
// LatestUpdate.Nonce always equals Nonce.
type FullChannelState struct {
	ChannelAddress common.Address    `json:"channelAddress"`
	Participants   [2]common.Address `json:"participants"`
	// PublicIdentifiers are the messaging routing addresses of the two
	// participants, parallel to Participants.
	PublicIdentifiers [2]string `json:"publicIdentifiers"`
	Timeout           uint64    `json:"timeout"`
	// AssetIDs and the parallel slices below share indices; assets are
	// appended in first-seen order and never removed.
	AssetIDs            []common.Address  `json:"assetIds"`
	Balances            []Balance         `json:"balances"`
	LatestDepositNonces []uint64          `json:"latestDepositNonces"`
	Nonce               uint64            `json:"nonce"`
	MerkleRoot          common.Hash       `json:"merkleRoot"`
	LatestUpdate        *ChannelUpdate    `json:"latestUpdate,omitempty"`
	ActiveTransfers     []TransferState   `json:"activeTransfers,omitempty"`
	NetworkContext      NetworkContext    `json:"networkContext"`
}

// AssetIndex returns the index of asset in the channel's asset list.
func (s *FullChannelState) AssetIndex(asset common.Address) (int, bool) {
	for i, a := range s.AssetIDs {
		if a == asset {
			return i, true
		}
	}
	return -1, false
}

// EnsureAsset returns the index of asset, appending a zeroed balance
// entry if the asset has not been seen before.
func (s *FullChannelState) EnsureAsset(asset common.Address) int {
	if i, ok := s.AssetIndex(asset); ok {
		return i
	}
	s.AssetIDs = append(s.AssetIDs, asset)
	s.Balances = append(s.Balances, ZeroBalance(s.Participants))
	s.LatestDepositNonces = append(s.LatestDepositNonces, 0)
	return len(s.AssetIDs) - 1
}

// ParticipantIndex maps a public identifier to the participant index.
func (s *FullChannelState) ParticipantIndex(identifier string) (int, bool) {
	for i, id := range s.PublicIdentifiers {
		if id == identifier {
			return i, true
		}
	}
	return -1, false
}

// FindTransfer returns the active transfer with the given id.
func (s *FullChannelState) FindTransfer(transferID common.Hash) (*TransferState, int, bool) {
	for i := range s.ActiveTransfers {
		if s.ActiveTransfers[i].TransferID == transferID {
			return &s.ActiveTransfers[i], i, true
		}
	}
	return nil, -1, false
}

// LockedBalance returns the total value held in active transfers for
// one asset. Locked value is not eligible for deposit reconciliation.
func (s *FullChannelState) LockedBalance(asset common.Address) decimal.Decimal {
	locked := decimal.Zero
	for _, t := range s.ActiveTransfers {
		if t.AssetID == asset {
			locked = locked.Add(t.Balance.Total())
		}
	}
	return locked
}

// Clone returns a deep copy of the state.
func (s *FullChannelState) Clone() *FullChannelState {
	raw, err := json.Marshal(s)
	if err != nil {
		// State is always JSON-serializable; a failure here is a
		// programming error.
		panic(fmt.Sprintf("failed to clone channel state: %v", err))
	}
	var clone FullChannelState
	if err := json.Unmarshal(raw, &clone); err != nil {
		panic(fmt.Sprintf("failed to clone channel state: %v", err))
	}
	return &clone
}

// CreateChannelAddress derives the deterministic channel address from
// the participants, the chain and a creation nonce. The encoding
// mirrors how the settlement layer computes the multisig address.
func CreateChannelAddress(alice, bob common.Address, chainID uint32, creationNonce uint64) (common.Address, error) {
	args := abi.Arguments{
		{Type: abiAddresses},
		{Type: abiUint256}, // chain id
		{Type: abiUint256}, // creation nonce
	}
	encoded, err := args.Pack(
		[]common.Address{alice, bob},
		new(big.Int).SetUint64(uint64(chainID)),
		new(big.Int).SetUint64(creationNonce),
	)
	if err != nil {
		return common.Address{}, err
	}
	hash := crypto.Keccak256Hash(encoded)
	return common.BytesToAddress(hash.Bytes()[12:]), nil
}
