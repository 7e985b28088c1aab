package main

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	reconcileChannel = common.HexToAddress("0x1111111111111111111111111111111111111111")
	reconcileAsset   = common.Address{}
	reconcileAliceTo = common.HexToAddress("0x2222222222222222222222222222222222222222")
	reconcileBobTo   = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func reconcileBalance(alice, bob int64) Balance {
	return Balance{
		Amount: [2]decimal.Decimal{dec(alice), dec(bob)},
		To:     [2]common.Address{reconcileAliceTo, reconcileBobTo},
	}
}

func TestReconcileDepositAliceDeposit(t *testing.T) {
	onchain := newFakeOnchain()
	// Off-chain [3, 9], Alice deposits 15 through the nonce-indexed path.
	onchain.setBalance(reconcileChannel, reconcileAsset, dec(27))
	onchain.setLatestDeposit(reconcileChannel, reconcileAsset, LatestDepositRecord{Nonce: 1, Amount: dec(15)})

	out, err := ReconcileDeposit(context.Background(), reconcileChannel, testChainID,
		reconcileBalance(3, 9), 0, dec(0), reconcileAsset, onchain)
	require.NoError(t, err)

	assert.True(t, out.Balance.Amount[0].Equal(dec(18)))
	assert.True(t, out.Balance.Amount[1].Equal(dec(9)))
	assert.Equal(t, uint64(1), out.LatestDepositNonce)
}

func TestReconcileDepositBobDeposit(t *testing.T) {
	onchain := newFakeOnchain()
	// Off-chain [3, 9], Bob transfers 7 directly, no deposit record.
	onchain.setBalance(reconcileChannel, reconcileAsset, dec(19))

	out, err := ReconcileDeposit(context.Background(), reconcileChannel, testChainID,
		reconcileBalance(3, 9), 0, dec(0), reconcileAsset, onchain)
	require.NoError(t, err)

	assert.True(t, out.Balance.Amount[0].Equal(dec(3)))
	assert.True(t, out.Balance.Amount[1].Equal(dec(16)))
	assert.Equal(t, uint64(0), out.LatestDepositNonce)
}

func TestReconcileDepositBothDeposit(t *testing.T) {
	onchain := newFakeOnchain()
	// Off-chain [3, 9], Alice deposits 15 and Bob deposits 7.
	onchain.setBalance(reconcileChannel, reconcileAsset, dec(34))
	onchain.setLatestDeposit(reconcileChannel, reconcileAsset, LatestDepositRecord{Nonce: 1, Amount: dec(15)})

	out, err := ReconcileDeposit(context.Background(), reconcileChannel, testChainID,
		reconcileBalance(3, 9), 0, dec(0), reconcileAsset, onchain)
	require.NoError(t, err)

	assert.True(t, out.Balance.Amount[0].Equal(dec(18)))
	assert.True(t, out.Balance.Amount[1].Equal(dec(16)))
	assert.Equal(t, uint64(1), out.LatestDepositNonce)
}

func TestReconcileDepositIdempotentWithoutActivity(t *testing.T) {
	onchain := newFakeOnchain()
	// The on-chain balance exactly covers the off-chain balance, and the
	// deposit record is already below the watermark.
	onchain.setBalance(reconcileChannel, reconcileAsset, dec(12))
	onchain.setLatestDeposit(reconcileChannel, reconcileAsset, LatestDepositRecord{Nonce: 3, Amount: dec(5)})

	out, err := ReconcileDeposit(context.Background(), reconcileChannel, testChainID,
		reconcileBalance(3, 9), 3, dec(0), reconcileAsset, onchain)
	require.NoError(t, err)

	assert.True(t, out.Balance.Amount[0].Equal(dec(3)))
	assert.True(t, out.Balance.Amount[1].Equal(dec(9)))
	assert.Equal(t, uint64(3), out.LatestDepositNonce)
}

func TestReconcileDepositExcludesLockedBalance(t *testing.T) {
	onchain := newFakeOnchain()
	// 5 of the on-chain balance backs an active transfer and must not be
	// attributed to Bob.
	onchain.setBalance(reconcileChannel, reconcileAsset, dec(24))

	out, err := ReconcileDeposit(context.Background(), reconcileChannel, testChainID,
		reconcileBalance(3, 9), 0, dec(5), reconcileAsset, onchain)
	require.NoError(t, err)

	assert.True(t, out.Balance.Amount[0].Equal(dec(3)))
	assert.True(t, out.Balance.Amount[1].Equal(dec(16)))
}

func TestReconcileDepositQueryFailure(t *testing.T) {
	onchain := newFakeOnchain()
	onchain.balanceErr = errors.New("rpc unavailable")

	_, err := ReconcileDeposit(context.Background(), reconcileChannel, testChainID,
		reconcileBalance(3, 9), 0, dec(0), reconcileAsset, onchain)
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeOnchainQueryFailure))

	onchain.balanceErr = nil
	onchain.depositErr = errors.New("rpc unavailable")
	onchain.setBalance(reconcileChannel, reconcileAsset, dec(12))

	_, err = ReconcileDeposit(context.Background(), reconcileChannel, testChainID,
		reconcileBalance(3, 9), 0, dec(0), reconcileAsset, onchain)
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeOnchainQueryFailure))
}
