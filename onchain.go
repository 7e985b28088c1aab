package main

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// OnchainService is read-only access to on-chain balances and deposit
// records for the settlement accounts backing channels.
type OnchainService interface {
	// GetChannelOnchainBalance returns the total balance held by the
	// channel's settlement account for one asset. The zero asset id
	// denotes the chain's native asset.
	GetChannelOnchainBalance(ctx context.Context, channelAddress common.Address, chainID uint32, assetID common.Address) (decimal.Decimal, error)
	// GetLatestDepositByAssetID returns the nonce-indexed record of the
	// most recent Alice-side deposit for one asset.
	GetLatestDepositByAssetID(ctx context.Context, channelAddress common.Address, chainID uint32, assetID common.Address) (LatestDepositRecord, error)
}

// erc20BalanceOfABI and multisigLatestDepositABI are the two read-only
// calls the core issues against the settlement layer.
const (
	erc20BalanceOfABI         = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`
	multisigLatestDepositABI  = `[{"constant":true,"inputs":[{"name":"assetId","type":"address"}],"name":"latestDepositByAssetId","outputs":[{"name":"nonce","type":"uint256"},{"name":"amount","type":"uint256"}],"stateMutability":"view","type":"function"}]`
)

// EthereumReader talks to one EVM chain per configured blockchain and
// implements OnchainService with plain contract calls.
type EthereumReader struct {
	clients map[uint32]*ethclient.Client
	erc20   abi.ABI
	deposit abi.ABI
	logger  Logger
}

var _ OnchainService = (*EthereumReader)(nil)

// NewEthereumReader dials every configured blockchain RPC endpoint.
func NewEthereumReader(blockchains map[uint32]BlockchainConfig, logger Logger) (*EthereumReader, error) {
	erc20, err := abi.JSON(strings.NewReader(erc20BalanceOfABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse erc20 abi: %w", err)
	}
	deposit, err := abi.JSON(strings.NewReader(multisigLatestDepositABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse deposit abi: %w", err)
	}

	clients := make(map[uint32]*ethclient.Client, len(blockchains))
	for chainID, blockchain := range blockchains {
		client, err := ethclient.Dial(blockchain.BlockchainRPC)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to blockchain node %d: %w", chainID, err)
		}
		clients[chainID] = client
	}

	return &EthereumReader{
		clients: clients,
		erc20:   erc20,
		deposit: deposit,
		logger:  logger.NewSystem("onchain-reader"),
	}, nil
}

func (r *EthereumReader) client(chainID uint32) (*ethclient.Client, error) {
	client, ok := r.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("no client configured for chain %d", chainID)
	}
	return client, nil
}

// GetChannelOnchainBalance implements OnchainService.
func (r *EthereumReader) GetChannelOnchainBalance(ctx context.Context, channelAddress common.Address, chainID uint32, assetID common.Address) (decimal.Decimal, error) {
	client, err := r.client(chainID)
	if err != nil {
		return decimal.Zero, err
	}

	if assetID == (common.Address{}) {
		balance, err := client.BalanceAt(ctx, channelAddress, nil)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to query native balance: %w", err)
		}
		return decimal.NewFromBigInt(balance, 0), nil
	}

	input, err := r.erc20.Pack("balanceOf", channelAddress)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}
	output, err := client.CallContract(ctx, ethereum.CallMsg{To: &assetID, Data: input}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query token balance: %w", err)
	}
	results, err := r.erc20.Unpack("balanceOf", output)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to unpack balanceOf result: %w", err)
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("unexpected balanceOf result type %T", results[0])
	}
	return decimal.NewFromBigInt(balance, 0), nil
}

// GetLatestDepositByAssetID implements OnchainService.
func (r *EthereumReader) GetLatestDepositByAssetID(ctx context.Context, channelAddress common.Address, chainID uint32, assetID common.Address) (LatestDepositRecord, error) {
	client, err := r.client(chainID)
	if err != nil {
		return LatestDepositRecord{}, err
	}

	input, err := r.deposit.Pack("latestDepositByAssetId", assetID)
	if err != nil {
		return LatestDepositRecord{}, fmt.Errorf("failed to pack deposit call: %w", err)
	}
	output, err := client.CallContract(ctx, ethereum.CallMsg{To: &channelAddress, Data: input}, nil)
	if err != nil {
		return LatestDepositRecord{}, fmt.Errorf("failed to query latest deposit: %w", err)
	}
	results, err := r.deposit.Unpack("latestDepositByAssetId", output)
	if err != nil {
		return LatestDepositRecord{}, fmt.Errorf("failed to unpack deposit result: %w", err)
	}
	nonce, ok := results[0].(*big.Int)
	if !ok {
		return LatestDepositRecord{}, fmt.Errorf("unexpected deposit nonce type %T", results[0])
	}
	amount, ok := results[1].(*big.Int)
	if !ok {
		return LatestDepositRecord{}, fmt.Errorf("unexpected deposit amount type %T", results[1])
	}
	return LatestDepositRecord{
		Nonce:  nonce.Uint64(),
		Amount: decimal.NewFromBigInt(amount, 0),
	}, nil
}
