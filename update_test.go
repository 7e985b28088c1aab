package main

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statewire/channeld/pkg/sign"
)

// makeTestChannel builds a funded channel state at nonce 2 with both
// party signers, without going through messaging.
func makeTestChannel(t *testing.T) (*FullChannelState, sign.Signer, sign.Signer) {
	t.Helper()
	alice := newTestSigner(t)
	bob := newTestSigner(t)

	channelAddress, err := CreateChannelAddress(signerAddress(alice), signerAddress(bob), testChainID, 0)
	require.NoError(t, err)

	setup := ChannelUpdate{
		ChannelAddress: channelAddress,
		FromIdentifier: alice.PublicIdentifier(),
		ToIdentifier:   bob.PublicIdentifier(),
		Type:           UpdateTypeSetup,
		Nonce:          1,
		Details: &SetupUpdateDetails{
			Timeout:        86400,
			NetworkContext: testNetworkContext(),
		},
	}
	state, err := NextChannelState(nil, setup)
	require.NoError(t, err)

	deposit := ChannelUpdate{
		ChannelAddress: channelAddress,
		FromIdentifier: alice.PublicIdentifier(),
		ToIdentifier:   bob.PublicIdentifier(),
		Type:           UpdateTypeDeposit,
		Nonce:          2,
		AssetID:        common.Address{},
		Balance: Balance{
			Amount: [2]decimal.Decimal{dec(100), dec(50)},
			To:     state.Participants,
		},
		Details: &DepositUpdateDetails{LatestDepositNonce: 1},
	}
	state, err = NextChannelState(state, deposit)
	require.NoError(t, err)
	return state, alice, bob
}

func makeHashlockCreate(t *testing.T, state *FullChannelState, alice sign.Signer, amount decimal.Decimal, lockHash common.Hash) (ChannelUpdate, common.Hash) {
	t.Helper()
	transferID := crypto.Keccak256Hash([]byte(t.Name()))
	data, err := json.Marshal(map[string]common.Hash{"lockHash": lockHash})
	require.NoError(t, err)

	initialState := TransferInitialState{
		Balance: Balance{
			Amount: [2]decimal.Decimal{amount, decimal.Zero},
			To:     [2]common.Address{state.Participants[1], state.Participants[0]},
		},
		Nonce: state.Nonce + 1,
		Data:  data,
	}
	postTransfer := state.Balances[0].Clone()
	postTransfer.Amount[0] = postTransfer.Amount[0].Sub(amount)

	pending := append(append([]TransferState(nil), state.ActiveTransfers...), TransferState{
		TransferID:         transferID,
		ChannelAddress:     state.ChannelAddress,
		TransferDefinition: testHashlockDefinition,
		AssetID:            common.Address{},
		InitialState:       initialState,
		Balance:            initialState.Balance.Clone(),
	})
	root, err := ComputeMerkleRoot(pending)
	require.NoError(t, err)

	return ChannelUpdate{
		ChannelAddress: state.ChannelAddress,
		FromIdentifier: alice.PublicIdentifier(),
		ToIdentifier:   state.PublicIdentifiers[1],
		Type:           UpdateTypeCreate,
		Nonce:          state.Nonce + 1,
		AssetID:        common.Address{},
		Balance:        postTransfer,
		Details: &CreateUpdateDetails{
			TransferID:           transferID,
			TransferDefinition:   testHashlockDefinition,
			TransferInitialState: initialState,
			MerkleRoot:           root,
		},
	}, transferID
}

func TestNextChannelStateSetup(t *testing.T) {
	state, _, _ := makeTestChannel(t)
	require.EqualValues(t, 2, state.Nonce)
	assert.Len(t, state.AssetIDs, 1)
	assert.True(t, state.Balances[0].Amount[0].Equal(dec(100)))
	assert.True(t, state.Balances[0].Amount[1].Equal(dec(50)))
}

func TestNextChannelStateRequiresSetupFirst(t *testing.T) {
	_, err := NextChannelState(nil, ChannelUpdate{
		ChannelAddress: common.HexToAddress("0x01"),
		Type:           UpdateTypeDeposit,
		Nonce:          1,
		Details:        &DepositUpdateDetails{},
	})
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeChannelNotFound))
}

func TestNextChannelStateRejectsSecondSetup(t *testing.T) {
	state, alice, bob := makeTestChannel(t)
	_, err := NextChannelState(state, ChannelUpdate{
		ChannelAddress: state.ChannelAddress,
		FromIdentifier: alice.PublicIdentifier(),
		ToIdentifier:   bob.PublicIdentifier(),
		Type:           UpdateTypeSetup,
		Nonce:          state.Nonce + 1,
		Details:        &SetupUpdateDetails{Timeout: 1, NetworkContext: testNetworkContext()},
	})
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeInvalidUpdate))
}

func TestNextChannelStateNonceMonotonicity(t *testing.T) {
	state, alice, bob := makeTestChannel(t)

	deposit := ChannelUpdate{
		ChannelAddress: state.ChannelAddress,
		FromIdentifier: alice.PublicIdentifier(),
		ToIdentifier:   bob.PublicIdentifier(),
		Type:           UpdateTypeDeposit,
		AssetID:        common.Address{},
		Balance:        state.Balances[0].Clone(),
		Details:        &DepositUpdateDetails{LatestDepositNonce: 1},
	}

	for _, nonce := range []uint64{state.Nonce, state.Nonce + 2} {
		deposit.Nonce = nonce
		_, err := NextChannelState(state, deposit)
		require.Error(t, err)
		assert.True(t, IsErrorCode(err, ErrCodeInvalidNonce), "nonce %d must be rejected", nonce)
	}

	deposit.Nonce = state.Nonce + 1
	_, err := NextChannelState(state, deposit)
	require.NoError(t, err)
}

func TestApplyDepositRejectsWatermarkRewind(t *testing.T) {
	state, alice, bob := makeTestChannel(t)

	_, err := NextChannelState(state, ChannelUpdate{
		ChannelAddress: state.ChannelAddress,
		FromIdentifier: alice.PublicIdentifier(),
		ToIdentifier:   bob.PublicIdentifier(),
		Type:           UpdateTypeDeposit,
		Nonce:          state.Nonce + 1,
		AssetID:        common.Address{},
		Balance:        state.Balances[0].Clone(),
		Details:        &DepositUpdateDetails{LatestDepositNonce: 0},
	})
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeInvalidUpdate))
}

func TestApplyDepositCannotReduceBalance(t *testing.T) {
	state, alice, bob := makeTestChannel(t)

	// A deposit claiming a larger total for the proposer while
	// shrinking the counterparty's share must be rejected.
	_, err := NextChannelState(state, ChannelUpdate{
		ChannelAddress: state.ChannelAddress,
		FromIdentifier: alice.PublicIdentifier(),
		ToIdentifier:   bob.PublicIdentifier(),
		Type:           UpdateTypeDeposit,
		Nonce:          state.Nonce + 1,
		AssetID:        common.Address{},
		Balance: Balance{
			Amount: [2]decimal.Decimal{dec(150), dec(0)},
			To:     state.Participants,
		},
		Details: &DepositUpdateDetails{LatestDepositNonce: 2},
	})
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeInvalidUpdate))
}

func TestApplyInboundUpdateCounterSigns(t *testing.T) {
	alice := newTestSigner(t)
	bob := newTestSigner(t)
	channelAddress, err := CreateChannelAddress(signerAddress(alice), signerAddress(bob), testChainID, 0)
	require.NoError(t, err)

	setup := ChannelUpdate{
		ChannelAddress: channelAddress,
		FromIdentifier: alice.PublicIdentifier(),
		ToIdentifier:   bob.PublicIdentifier(),
		Type:           UpdateTypeSetup,
		Nonce:          1,
		Details:        &SetupUpdateDetails{Timeout: 86400, NetworkContext: testNetworkContext()},
	}
	participants := [2]common.Address{signerAddress(alice), signerAddress(bob)}
	signed, err := CounterSignUpdate(setup, participants, alice)
	require.NoError(t, err)
	require.False(t, signed.IsDoubleSigned())

	next, countersigned, err := ApplyInboundUpdate(nil, *signed, bob)
	require.NoError(t, err)
	require.True(t, countersigned.IsDoubleSigned())
	assert.Equal(t, countersigned, next.LatestUpdate)

	require.NoError(t, VerifyUpdateSignature(*countersigned, participants, 0))
	require.NoError(t, VerifyUpdateSignature(*countersigned, participants, 1))
}

func TestApplyInboundUpdateRejectsUnsignedProposal(t *testing.T) {
	alice := newTestSigner(t)
	bob := newTestSigner(t)
	channelAddress, err := CreateChannelAddress(signerAddress(alice), signerAddress(bob), testChainID, 0)
	require.NoError(t, err)

	setup := ChannelUpdate{
		ChannelAddress: channelAddress,
		FromIdentifier: alice.PublicIdentifier(),
		ToIdentifier:   bob.PublicIdentifier(),
		Type:           UpdateTypeSetup,
		Nonce:          1,
		Details:        &SetupUpdateDetails{Timeout: 86400, NetworkContext: testNetworkContext()},
	}

	_, _, err = ApplyInboundUpdate(nil, setup, bob)
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeInvalidUpdate))
}

func TestApplyCreateInsufficientBalance(t *testing.T) {
	state, alice, _ := makeTestChannel(t)
	create, _ := makeHashlockCreate(t, state, alice, dec(30), crypto.Keccak256Hash([]byte("x")))

	// Inflate the escrowed amount past Alice's balance while keeping the
	// rest of the update intact.
	details := create.Details.(*CreateUpdateDetails)
	details.TransferInitialState.Balance.Amount[0] = dec(1000)

	_, err := NextChannelState(state, create)
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeInvalidUpdate))
}

func TestCreateAndResolveHashlock(t *testing.T) {
	state, alice, bob := makeTestChannel(t)

	preimage := []byte("supersecret")
	lockHash := crypto.Keccak256Hash(preimage)
	create, transferID := makeHashlockCreate(t, state, alice, dec(30), lockHash)

	state, err := NextChannelState(state, create)
	require.NoError(t, err)
	require.Len(t, state.ActiveTransfers, 1)
	assert.True(t, state.Balances[0].Amount[0].Equal(dec(70)))
	assert.True(t, state.LockedBalance(common.Address{}).Equal(dec(30)))
	assert.NotEqual(t, common.Hash{}, state.MerkleRoot)

	resolver, err := json.Marshal(HashlockResolver{Preimage: hexEncode(preimage)})
	require.NoError(t, err)

	resolve := ChannelUpdate{
		ChannelAddress: state.ChannelAddress,
		FromIdentifier: bob.PublicIdentifier(),
		ToIdentifier:   alice.PublicIdentifier(),
		Type:           UpdateTypeResolve,
		Nonce:          state.Nonce + 1,
		AssetID:        common.Address{},
		Details: &ResolveUpdateDetails{
			TransferID:         transferID,
			TransferDefinition: testHashlockDefinition,
			TransferResolver:   resolver,
		},
	}
	state, err = NextChannelState(state, resolve)
	require.NoError(t, err)

	assert.Empty(t, state.ActiveTransfers)
	assert.Equal(t, common.Hash{}, state.MerkleRoot)
	// The escrowed 30 lands with Bob, the transfer recipient.
	assert.True(t, state.Balances[0].Amount[0].Equal(dec(70)))
	assert.True(t, state.Balances[0].Amount[1].Equal(dec(80)))
}

func TestResolveUnknownTransfer(t *testing.T) {
	state, alice, bob := makeTestChannel(t)

	resolver, err := json.Marshal(HashlockResolver{Preimage: "0x00"})
	require.NoError(t, err)

	_, err = NextChannelState(state, ChannelUpdate{
		ChannelAddress: state.ChannelAddress,
		FromIdentifier: bob.PublicIdentifier(),
		ToIdentifier:   alice.PublicIdentifier(),
		Type:           UpdateTypeResolve,
		Nonce:          state.Nonce + 1,
		Details: &ResolveUpdateDetails{
			TransferID:         crypto.Keccak256Hash([]byte("missing")),
			TransferDefinition: testHashlockDefinition,
			TransferResolver:   resolver,
		},
	})
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeTransferNotFound))
}

func TestResolveHashlockWrongPreimage(t *testing.T) {
	state, alice, bob := makeTestChannel(t)
	create, transferID := makeHashlockCreate(t, state, alice, dec(30), crypto.Keccak256Hash([]byte("right")))
	state, err := NextChannelState(state, create)
	require.NoError(t, err)

	resolver, err := json.Marshal(HashlockResolver{Preimage: hexEncode([]byte("wrong"))})
	require.NoError(t, err)

	_, err = NextChannelState(state, ChannelUpdate{
		ChannelAddress: state.ChannelAddress,
		FromIdentifier: bob.PublicIdentifier(),
		ToIdentifier:   alice.PublicIdentifier(),
		Type:           UpdateTypeResolve,
		Nonce:          state.Nonce + 1,
		Details: &ResolveUpdateDetails{
			TransferID:         transferID,
			TransferDefinition: testHashlockDefinition,
			TransferResolver:   resolver,
		},
	})
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeInvalidUpdate))
}

func TestChannelUpdateHashCoversDetails(t *testing.T) {
	state, alice, _ := makeTestChannel(t)
	create, _ := makeHashlockCreate(t, state, alice, dec(30), crypto.Keccak256Hash([]byte("a")))

	h1, err := create.Hash()
	require.NoError(t, err)

	other := create
	otherDetails := *create.Details.(*CreateUpdateDetails)
	otherDetails.TransferTimeout = 999
	other.Details = &otherDetails
	h2, err := other.Hash()
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestChannelUpdateJSONRoundTrip(t *testing.T) {
	state, alice, _ := makeTestChannel(t)
	create, _ := makeHashlockCreate(t, state, alice, dec(30), crypto.Keccak256Hash([]byte("a")))
	signed, err := CounterSignUpdate(create, state.Participants, alice)
	require.NoError(t, err)

	raw, err := json.Marshal(signed)
	require.NoError(t, err)

	var decoded ChannelUpdate
	require.NoError(t, json.Unmarshal(raw, &decoded))

	h1, err := signed.Hash()
	require.NoError(t, err)
	h2, err := decoded.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, signed.Signatures, decoded.Signatures)
}
