package main

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ReconciledDeposit is the outcome of merging on-chain deposit
// activity into the off-chain balance for one asset.
type ReconciledDeposit struct {
	Balance            Balance
	LatestDepositNonce uint64
}

// ReconcileDeposit merges on-chain deposits since the last
// reconciliation into the off-chain balance for one asset, without
// re-counting deposits already accounted for and without requiring the
// two participants to coordinate who deposited.
//
// Alice deposits move through the settlement account's nonce-indexed
// deposit path; a record nonce above the stored watermark means a new
// Alice deposit of the recorded amount. Bob deposits arrive by direct
// transfer and carry no nonce, so Bob's share is whatever remains of
// the on-chain balance once the current off-chain balance, the value
// locked in active transfers, and Alice's new deposit are subtracted.
//
// Reconciliation is idempotent when no new on-chain activity occurred,
// and returns no partial result on query failure.
func ReconcileDeposit(
	ctx context.Context,
	channelAddress common.Address,
	chainID uint32,
	balance Balance,
	latestDepositNonce uint64,
	lockedBalance decimal.Decimal,
	assetID common.Address,
	onchain OnchainService,
) (ReconciledDeposit, error) {
	onchainBalance, err := onchain.GetChannelOnchainBalance(ctx, channelAddress, chainID, assetID)
	if err != nil {
		return ReconciledDeposit{}, NewChannelError(ErrCodeOnchainQueryFailure, "failed to query onchain balance: %v", err).
			WithChannel(channelAddress.Hex()).
			WithContext("assetId", assetID.Hex()).
			WithCause(err)
	}

	record, err := onchain.GetLatestDepositByAssetID(ctx, channelAddress, chainID, assetID)
	if err != nil {
		return ReconciledDeposit{}, NewChannelError(ErrCodeOnchainQueryFailure, "failed to query latest deposit: %v", err).
			WithChannel(channelAddress.Hex()).
			WithContext("assetId", assetID.Hex()).
			WithCause(err)
	}

	aliceDelta := decimal.Zero
	if record.Nonce > latestDepositNonce {
		aliceDelta = record.Amount
		latestDepositNonce = record.Nonce
	}

	// Funds neither reflected off-chain nor attributed to Alice's
	// tracked deposit belong to Bob.
	bobDelta := onchainBalance.Sub(balance.Total()).Sub(lockedBalance).Sub(aliceDelta)

	return ReconciledDeposit{
		Balance: Balance{
			Amount: [2]decimal.Decimal{
				balance.Amount[0].Add(aliceDelta),
				balance.Amount[1].Add(bobDelta),
			},
			To: balance.To,
		},
		LatestDepositNonce: latestDepositNonce,
	}, nil
}
