package main

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSaveAndLoadChannelState(t *testing.T) {
	store := NewGormStore(newTestDB(t, "store"))
	state, alice, _ := makeTestChannel(t)
	ctx := context.Background()

	// Persist the chain of states from setup onward.
	setupState := state.Clone()
	setupState.Nonce = 1
	setupState.AssetIDs = nil
	setupState.Balances = nil
	setupState.LatestDepositNonces = nil
	commitment := mustSignedCommitment(t, setupState, alice, UpdateTypeSetup, 1)
	setupState.LatestUpdate = commitment
	require.NoError(t, store.SaveChannelState(ctx, setupState, commitment))

	loaded, err := store.GetChannelState(ctx, state.ChannelAddress)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.EqualValues(t, 1, loaded.Nonce)
	assert.Equal(t, state.ChannelAddress, loaded.ChannelAddress)

	// Advance to nonce 2.
	commitment2 := mustSignedCommitment(t, state, alice, UpdateTypeDeposit, 2)
	state.LatestUpdate = commitment2
	require.NoError(t, store.SaveChannelState(ctx, state, commitment2))

	loaded, err = store.GetChannelState(ctx, state.ChannelAddress)
	require.NoError(t, err)
	assert.EqualValues(t, 2, loaded.Nonce)
	assert.True(t, loaded.Balances[0].Amount[0].Equal(dec(100)))

	stored, err := store.GetChannelCommitment(ctx, state.ChannelAddress)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.EqualValues(t, 2, stored.Nonce)

	watermark, err := store.GetLatestDepositNonce(ctx, state.ChannelAddress, state.AssetIDs[0])
	require.NoError(t, err)
	assert.EqualValues(t, 1, watermark)
}

func TestStoreUnknownChannelIsNil(t *testing.T) {
	store := NewGormStore(newTestDB(t, "store"))
	state, _, _ := makeTestChannel(t)

	loaded, err := store.GetChannelState(context.Background(), state.ChannelAddress)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	commitment, err := store.GetChannelCommitment(context.Background(), state.ChannelAddress)
	require.NoError(t, err)
	assert.Nil(t, commitment)

	watermark, err := store.GetLatestDepositNonce(context.Background(), state.ChannelAddress, common.Address{})
	require.NoError(t, err)
	assert.Zero(t, watermark)
}

func TestStoreCompareAndSwapRejectsStaleWrite(t *testing.T) {
	store := NewGormStore(newTestDB(t, "store"))
	state, alice, _ := makeTestChannel(t)
	ctx := context.Background()

	setupState := state.Clone()
	setupState.Nonce = 1
	commitment := mustSignedCommitment(t, setupState, alice, UpdateTypeSetup, 1)
	require.NoError(t, store.SaveChannelState(ctx, setupState, commitment))

	// First write at nonce 2 wins.
	commitment2 := mustSignedCommitment(t, state, alice, UpdateTypeDeposit, 2)
	require.NoError(t, store.SaveChannelState(ctx, state, commitment2))

	// A second write expecting stored nonce 1 must fail.
	err := store.SaveChannelState(ctx, state, commitment2)
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeStaleChannelState))

	// A gap write (nonce 5 on stored nonce 2) must fail too.
	ahead := state.Clone()
	ahead.Nonce = 5
	err = store.SaveChannelState(ctx, ahead, commitment2)
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeStaleChannelState))
}

func TestStoreRejectsDuplicateSetup(t *testing.T) {
	store := NewGormStore(newTestDB(t, "store"))
	state, alice, _ := makeTestChannel(t)
	ctx := context.Background()

	setupState := state.Clone()
	setupState.Nonce = 1
	commitment := mustSignedCommitment(t, setupState, alice, UpdateTypeSetup, 1)
	require.NoError(t, store.SaveChannelState(ctx, setupState, commitment))

	err := store.SaveChannelState(ctx, setupState, commitment)
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeStaleChannelState))
}

func TestStoreListChannelStates(t *testing.T) {
	store := NewGormStore(newTestDB(t, "store"))
	ctx := context.Background()

	states, err := store.GetChannelStates(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)

	state, alice, _ := makeTestChannel(t)
	setupState := state.Clone()
	setupState.Nonce = 1
	commitment := mustSignedCommitment(t, setupState, alice, UpdateTypeSetup, 1)
	require.NoError(t, store.SaveChannelState(ctx, setupState, commitment))

	states, err = store.GetChannelStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, state.ChannelAddress, states[0].ChannelAddress)
}
