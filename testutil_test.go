package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/statewire/channeld/pkg/sign"
)

const testChainID = uint32(1337)

var (
	testWithdrawDefinition = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testHashlockDefinition = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func testNetworkContext() NetworkContext {
	return NetworkContext{
		ChainID:            testChainID,
		WithdrawDefinition: testWithdrawDefinition,
		HashlockDefinition: testHashlockDefinition,
	}
}

func newTestSigner(t *testing.T) sign.Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return sign.NewEthereumSignerFromKey(key)
}

func signerAddress(s sign.Signer) common.Address {
	return common.HexToAddress(s.PublicKey().Address().String())
}

// newTestDB opens an isolated in-memory sqlite database. Each name
// gets its own database, so two parties in one test never share state.
func newTestDB(t *testing.T, name string) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"), name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ChannelStateRecord{}, &ChannelCommitmentRecord{}, &ChannelDepositRecord{}))
	return db
}

// fakeOnchain is a settable OnchainService double.
type fakeOnchain struct {
	mu         sync.Mutex
	balances   map[string]decimal.Decimal
	deposits   map[string]LatestDepositRecord
	balanceErr error
	depositErr error
}

func newFakeOnchain() *fakeOnchain {
	return &fakeOnchain{
		balances: make(map[string]decimal.Decimal),
		deposits: make(map[string]LatestDepositRecord),
	}
}

func onchainKey(channelAddress common.Address, chainID uint32, assetID common.Address) string {
	return fmt.Sprintf("%s/%d/%s", channelAddress.Hex(), chainID, assetID.Hex())
}

func (f *fakeOnchain) setBalance(channelAddress common.Address, assetID common.Address, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[onchainKey(channelAddress, testChainID, assetID)] = amount
}

func (f *fakeOnchain) setLatestDeposit(channelAddress common.Address, assetID common.Address, record LatestDepositRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deposits[onchainKey(channelAddress, testChainID, assetID)] = record
}

func (f *fakeOnchain) GetChannelOnchainBalance(_ context.Context, channelAddress common.Address, chainID uint32, assetID common.Address) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return decimal.Zero, f.balanceErr
	}
	return f.balances[onchainKey(channelAddress, chainID, assetID)], nil
}

func (f *fakeOnchain) GetLatestDepositByAssetID(_ context.Context, channelAddress common.Address, chainID uint32, assetID common.Address) (LatestDepositRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.depositErr != nil {
		return LatestDepositRecord{}, f.depositErr
	}
	return f.deposits[onchainKey(channelAddress, chainID, assetID)], nil
}

// testNode bundles one party's full stack.
type testNode struct {
	signer    sign.Signer
	store     Store
	messaging *InMemoryMessaging
	bus       *EventBus
	sync      *SyncService
	engine    *Engine
}

func (n *testNode) identifier() string { return n.signer.PublicIdentifier() }

func (n *testNode) address() common.Address { return signerAddress(n.signer) }

// newTestPair wires two full nodes over an in-memory messaging hub
// sharing one fake chain.
func newTestPair(t *testing.T) (*testNode, *testNode, *fakeOnchain) {
	t.Helper()
	hub := NewInMemoryMessagingHub()
	onchain := newFakeOnchain()
	logger := NewLoggerIPFS("test")

	build := func(name string) *testNode {
		node := &testNode{
			signer: newTestSigner(t),
			store:  NewGormStore(newTestDB(t, name)),
			bus:    NewEventBus(logger),
		}
		node.messaging = hub.Join(node.signer.PublicIdentifier())
		node.sync = NewSyncService(node.store, node.messaging, node.signer, node.bus, logger)
		node.engine = NewEngine(node.store, node.sync, onchain, node.signer, node.bus, logger)
		return node
	}
	return build("alice"), build("bob"), onchain
}

// setupTestChannel opens a channel from alice to bob and returns
// alice's view of the state.
func setupTestChannel(t *testing.T, alice, bob *testNode) *FullChannelState {
	t.Helper()
	state, err := alice.engine.Setup(context.Background(), SetupChannelParams{
		CounterpartyIdentifier: bob.identifier(),
		Timeout:                86400,
		NetworkContext:         testNetworkContext(),
	})
	require.NoError(t, err)
	require.NotNil(t, state)
	return state
}

// fundTestChannel simulates an on-chain deposit and reconciles it.
func fundTestChannel(t *testing.T, node *testNode, onchain *fakeOnchain, channelAddress common.Address, assetID common.Address, amount decimal.Decimal, aliceDeposit bool) *FullChannelState {
	t.Helper()
	ctx := context.Background()

	prev, err := node.store.GetChannelState(ctx, channelAddress)
	require.NoError(t, err)
	require.NotNil(t, prev)

	current, err := onchain.GetChannelOnchainBalance(ctx, channelAddress, testChainID, assetID)
	require.NoError(t, err)
	onchain.setBalance(channelAddress, assetID, current.Add(amount))
	if aliceDeposit {
		record, err := onchain.GetLatestDepositByAssetID(ctx, channelAddress, testChainID, assetID)
		require.NoError(t, err)
		onchain.setLatestDeposit(channelAddress, assetID, LatestDepositRecord{Nonce: record.Nonce + 1, Amount: amount})
	}

	state, err := node.engine.Deposit(ctx, DepositParams{ChannelAddress: channelAddress, AssetID: assetID})
	require.NoError(t, err)
	return state
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// mustSignedCommitment builds a signed update of the given type and
// nonce for direct store-layer tests.
func mustSignedCommitment(t *testing.T, state *FullChannelState, signer sign.Signer, updateType UpdateType, nonce uint64) *ChannelUpdate {
	t.Helper()
	update := ChannelUpdate{
		ChannelAddress: state.ChannelAddress,
		FromIdentifier: state.PublicIdentifiers[0],
		ToIdentifier:   state.PublicIdentifiers[1],
		Type:           updateType,
		Nonce:          nonce,
	}
	switch updateType {
	case UpdateTypeSetup:
		update.Details = &SetupUpdateDetails{Timeout: state.Timeout, NetworkContext: state.NetworkContext}
	case UpdateTypeDeposit:
		update.Balance = state.Balances[0].Clone()
		update.Details = &DepositUpdateDetails{LatestDepositNonce: state.LatestDepositNonces[0]}
	default:
		t.Fatalf("unsupported commitment type %s", updateType)
	}
	signed, err := CounterSignUpdate(update, state.Participants, signer)
	require.NoError(t, err)
	return signed
}

func hexEncode(b []byte) string { return hexutil.Encode(b) }
