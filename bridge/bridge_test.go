package bridge

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wbtc-bridge/wbtcd/chains/native"
	"github.com/wbtc-bridge/wbtcd/chains/smart"
	"github.com/wbtc-bridge/wbtcd/payload"
	"github.com/wbtc-bridge/wbtcd/store"
)

const (
	testToken        = "0x000000000000000000000000000000000000dEaD"
	testEthRecipient = "5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
)

var testParams = &chaincfg.RegressionNetParams

func testAddr(t *testing.T, seed byte) string {
	t.Helper()
	addr, err := btcutil.NewAddressPubKeyHash(bytes.Repeat([]byte{seed}, 20), testParams)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

// fakeNative scripts the native-chain adapter. Decoding and release
// construction run the real wire code so the engine is exercised
// against real transactions.
type fakeNative struct {
	confirmations map[string]int64
	statusErr     error
	unspent       []native.Unspent
	changeAddr    string
	broadcastErr  error
	broadcasts    []string
}

func newFakeNative() *fakeNative {
	return &fakeNative{confirmations: make(map[string]int64)}
}

func (f *fakeNative) DecodeRawTx(rawHex string) (*native.DecodedTx, error) {
	return native.DecodeRawTx(rawHex, testParams)
}

func (f *fakeNative) ValidateAddress(addr string) error {
	_, err := btcutil.DecodeAddress(addr, testParams)
	return err
}

func (f *fakeNative) Broadcast(_ context.Context, rawHex string) (string, error) {
	if f.broadcastErr != nil {
		return "", f.broadcastErr
	}
	dec, err := native.DecodeRawTx(rawHex, testParams)
	if err != nil {
		return "", err
	}
	f.broadcasts = append(f.broadcasts, rawHex)
	return dec.TxID, nil
}

func (f *fakeNative) TransactionStatus(_ context.Context, txid string) (*native.TxStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	confs, ok := f.confirmations[txid]
	if !ok {
		return nil, nil
	}
	return &native.TxStatus{Confirmations: confs}, nil
}

func (f *fakeNative) ListUnspent(context.Context, string, int64, int64) ([]native.Unspent, error) {
	return f.unspent, nil
}

func (f *fakeNative) ChangeAddress(context.Context) (string, error) {
	return f.changeAddr, nil
}

func (f *fakeNative) CreateRawTx(inputs []native.Unspent, outputs []native.Output, opReturn []byte) (string, error) {
	return native.BuildRawTx(inputs, outputs, opReturn, testParams)
}

func (f *fakeNative) SignWithWallet(_ context.Context, rawHex string) (string, bool, error) {
	return rawHex, true, nil
}

func (f *fakeNative) Ping(context.Context) error { return nil }

// fakeSmart scripts the smart-chain adapter. Signed-transaction
// decoding runs the real envelope code.
type fakeSmart struct {
	chainID   *big.Int
	gasPrice  *big.Int
	head      uint64
	receipts  map[string]*smart.Receipt
	mintErr   error
	mintCalls int
	mintHash  string
	revertSel [4]byte
	revertOK  bool
	nonce     uint64
	tokenBal  *big.Int
	ethBal    *big.Int
}

func newFakeSmart() *fakeSmart {
	return &fakeSmart{
		chainID:  big.NewInt(1337),
		gasPrice: big.NewInt(2_000_000_000),
		receipts: make(map[string]*smart.Receipt),
		mintHash: "0x" + strings.Repeat("ab", 32),
		tokenBal: big.NewInt(0),
		ethBal:   big.NewInt(0),
	}
}

func (f *fakeSmart) DecodeSignedRaw(_ context.Context, raw []byte) (*smart.DecodedTx, error) {
	return smart.DecodeSignedTx(raw, f.chainID)
}

func (f *fakeSmart) SendRaw(_ context.Context, raw []byte) (string, error) {
	dec, err := smart.DecodeSignedTx(raw, f.chainID)
	if err != nil {
		return "", err
	}
	return dec.Hash, nil
}

func (f *fakeSmart) Mint(context.Context, string, *big.Int) (string, error) {
	f.mintCalls++
	if f.mintErr != nil {
		return "", f.mintErr
	}
	return f.mintHash, nil
}

func (f *fakeSmart) TransactionReceipt(_ context.Context, hash string) (*smart.Receipt, error) {
	return f.receipts[hash], nil
}

func (f *fakeSmart) RevertSelector(context.Context, string, uint64) ([4]byte, bool, error) {
	return f.revertSel, f.revertOK, nil
}

func (f *fakeSmart) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeSmart) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeSmart) GasPrice(context.Context) (*big.Int, error) { return f.gasPrice, nil }

func (f *fakeSmart) TransactionCount(context.Context, string) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeSmart) BalanceOf(context.Context, string) (*big.Int, error) { return f.tokenBal, nil }
func (f *fakeSmart) EthBalance(context.Context, string) (*big.Int, error) {
	return f.ethBal, nil
}
func (f *fakeSmart) Ping(context.Context) error { return nil }

type testEnv struct {
	b   *Bridge
	st  *store.Memory
	fn  *fakeNative
	fs  *fakeSmart
	now time.Time
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		st:  store.NewMemory(),
		fn:  newFakeNative(),
		fs:  newFakeSmart(),
		now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
	cfg := Defaults()
	cfg.CustodialAddress = testAddr(t, 0x01)
	cfg.TokenAddress = testToken
	b, err := New(cfg, env.st, env.fn, env.fs)
	require.NoError(t, err)
	b.now = func() time.Time { return env.now }
	env.b = b
	return env
}

func (e *testEnv) advance(d time.Duration) { e.now = e.now.Add(d) }

// depositTx builds a signed-shaped deposit paying the custodial address.
func depositTx(t *testing.T, e *testEnv, amountSat int64, op string) string {
	t.Helper()
	inputs := []native.Unspent{{
		TxID: "0e3e2357e806b6cdb1f70b54c3a3a17b6714ee1f0e68bebb44a74b1efd512098", Vout: 0,
	}}
	outputs := []native.Output{{Address: e.b.cfg.CustodialAddress, ValueSat: amountSat}}
	raw, err := native.BuildRawTx(inputs, outputs, []byte(op), testParams)
	require.NoError(t, err)
	return raw
}

// burnTx signs a burn against the token contract.
func burnTx(t *testing.T, e *testEnv, amount int64, op string) (rawHex, sender string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	calldata, err := smart.PackBurn(big.NewInt(amount), []byte(op))
	require.NoError(t, err)
	token := common.HexToAddress(testToken)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    0,
		GasPrice: big.NewInt(2_000_000_000),
		Gas:      120_000,
		To:       &token,
		Data:     calldata,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.fs.chainID), key)
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)
	return hex.EncodeToString(raw), crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func TestWrapLifecycle(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	raw := depositTx(t, env, 50_000_000, "wrp:w1-"+testEthRecipient)
	rec, err := env.b.InitiateWrap(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, store.StateNativeBroadcasted, rec.State)
	assert.EqualValues(t, 50_000_000, rec.DepositSat)
	assert.Equal(t, "0x"+testEthRecipient, rec.RecipientAddress)
	assert.Equal(t, "w1", rec.WalletID)

	// Mint receipt already settled; a single sweep must still stop at
	// minting, never completing in the same tick.
	env.fn.confirmations[rec.NativeTxID] = 6
	env.fs.receipts[env.fs.mintHash] = &smart.Receipt{Status: 1, BlockNumber: 100}
	env.fs.head = 200
	env.b.Sweep()

	rec, err = env.st.WrapByNativeTxID(ctx, rec.NativeTxID)
	require.NoError(t, err)
	assert.Equal(t, store.StateMintingInProgress, rec.State)
	assert.EqualValues(t, 49_999_900, rec.MintedTokenSat)
	assert.Equal(t, env.fs.mintHash, rec.MintTxHash)
	assert.Equal(t, 1, env.fs.mintCalls)

	env.b.Sweep()
	rec, err = env.st.WrapByNativeTxID(ctx, rec.NativeTxID)
	require.NoError(t, err)
	assert.Equal(t, store.StateWrapCompleted, rec.State)
}

func TestWrapWaitsForConfirmations(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	rec, err := env.b.InitiateWrap(ctx, depositTx(t, env, 50_000_000, "wrp:w1-"+testEthRecipient))
	require.NoError(t, err)

	env.fn.confirmations[rec.NativeTxID] = 3
	env.b.Sweep()

	rec, err = env.st.WrapByNativeTxID(ctx, rec.NativeTxID)
	require.NoError(t, err)
	assert.Equal(t, store.StateNativeBroadcasted, rec.State)
	assert.Zero(t, env.fs.mintCalls)
	assert.Zero(t, rec.Attempts, "waiting is not a failure")
}

func TestInitiateWrapValidation(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	_, err := env.b.InitiateWrap(ctx, "zz")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = env.b.InitiateWrap(ctx, depositTx(t, env, 50_000_000, ""))
	assert.ErrorIs(t, err, ErrInvalidRequest, "no payload output")

	_, err = env.b.InitiateWrap(ctx, depositTx(t, env, 50_000_000, "un:w1-"+testEthRecipient))
	assert.ErrorIs(t, err, ErrInvalidRequest, "unwrap tag on a deposit")

	_, err = env.b.InitiateWrap(ctx, depositTx(t, env, 50_000_000, "wrp:w1-nothex"))
	assert.ErrorIs(t, err, ErrInvalidRequest, "bad recipient")

	_, err = env.b.InitiateWrap(ctx, depositTx(t, env, 99_999, "wrp:w1-"+testEthRecipient))
	assert.ErrorIs(t, err, ErrInvalidRequest, "below minimum")

	// Deposits paying someone else carry no value for the bridge.
	inputs := []native.Unspent{{TxID: "0e3e2357e806b6cdb1f70b54c3a3a17b6714ee1f0e68bebb44a74b1efd512098", Vout: 0}}
	outputs := []native.Output{{Address: testAddr(t, 0x09), ValueSat: 50_000_000}}
	raw, err := native.BuildRawTx(inputs, outputs, []byte("wrp:w1-"+testEthRecipient), testParams)
	require.NoError(t, err)
	_, err = env.b.InitiateWrap(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestInitiateWrapIdempotent(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	raw := depositTx(t, env, 50_000_000, "wrp:w1-"+testEthRecipient)
	first, err := env.b.InitiateWrap(ctx, raw)
	require.NoError(t, err)
	second, err := env.b.InitiateWrap(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	recs, err := env.st.WrapsByWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestWrapMintRetryWithBackoff(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	rec, err := env.b.InitiateWrap(ctx, depositTx(t, env, 50_000_000, "wrp:w1-"+testEthRecipient))
	require.NoError(t, err)
	env.fn.confirmations[rec.NativeTxID] = 6

	env.fs.mintErr = fmt.Errorf("smart: send mint: connection refused")
	env.b.Sweep()

	rec, err = env.st.WrapByNativeTxID(ctx, rec.NativeTxID)
	require.NoError(t, err)
	assert.Equal(t, store.StateNativeBroadcasted, rec.State)
	assert.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.LastErrorAt)
	assert.Equal(t, 1, env.fs.mintCalls)

	// Still inside the backoff window: the record is left alone.
	env.b.Sweep()
	assert.Equal(t, 1, env.fs.mintCalls)

	env.fs.mintErr = nil
	env.advance(3 * time.Minute)
	env.b.Sweep()

	rec, err = env.st.WrapByNativeTxID(ctx, rec.NativeTxID)
	require.NoError(t, err)
	assert.Equal(t, store.StateMintingInProgress, rec.State)
	assert.Zero(t, rec.Attempts, "success clears the retry state")
	assert.Nil(t, rec.LastErrorAt)
	assert.Equal(t, 2, env.fs.mintCalls)
}

func TestWrapMaxAttempts(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	rec, err := env.b.InitiateWrap(ctx, depositTx(t, env, 50_000_000, "wrp:w1-"+testEthRecipient))
	require.NoError(t, err)
	env.fn.confirmations[rec.NativeTxID] = 6
	env.fs.mintErr = fmt.Errorf("smart: send mint: connection refused")

	for i := 0; i < env.b.cfg.MaxAttempts; i++ {
		env.b.Sweep()
		env.advance(25 * time.Hour)
	}

	rec, err = env.st.WrapByNativeTxID(ctx, rec.NativeTxID)
	require.NoError(t, err)
	assert.Equal(t, store.StateFailedMaxAttempts, rec.State)
	assert.Equal(t, env.b.cfg.MaxAttempts, rec.HistorySum())
	assert.Equal(t, env.b.cfg.MaxAttempts, env.fs.mintCalls)

	// Terminal records are never picked up again.
	env.advance(25 * time.Hour)
	env.b.Sweep()
	assert.Equal(t, env.b.cfg.MaxAttempts, env.fs.mintCalls)
}

func TestUnwrapLifecycle(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	recipient := testAddr(t, 0x02)

	const burn = 2_000_000_000_000 // 20000 tokens in base units
	raw, sender := burnTx(t, env, burn, "un:w2-"+recipient)

	rec, err := env.b.InitiateUnwrap(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, store.StateBurnInitiated, rec.State)
	assert.EqualValues(t, burn, rec.BurnSat)
	assert.Equal(t, sender, rec.EthSender)
	assert.Equal(t, recipient, rec.NativeRecipientAddress)

	env.fs.receipts[rec.BurnTxHash] = &smart.Receipt{Status: 1, BlockNumber: 100}
	env.fs.head = 100
	env.b.Sweep()
	rec, err = env.st.UnwrapByBurnTxHash(ctx, rec.BurnTxHash)
	require.NoError(t, err)
	assert.Equal(t, store.StateBurnConfirming, rec.State)

	env.fs.head = 105 // depth 6
	env.b.Sweep()
	rec, err = env.st.UnwrapByBurnTxHash(ctx, rec.BurnTxHash)
	require.NoError(t, err)
	assert.Equal(t, store.StateBurnConfirmed, rec.State)

	env.fn.unspent = []native.Unspent{
		{TxID: "0e3e2357e806b6cdb1f70b54c3a3a17b6714ee1f0e68bebb44a74b1efd512098", Vout: 0, ValueSat: 1_500_000_000_000},
		{TxID: "9b0fc92260312ce44e74ef369f5c66bbb85848f2eddd5a7a1cde251e54ccfdd5", Vout: 1, ValueSat: 1_000_000_000_000},
	}
	env.fn.changeAddr = testAddr(t, 0x03)
	env.b.Sweep()
	rec, err = env.st.UnwrapByBurnTxHash(ctx, rec.BurnTxHash)
	require.NoError(t, err)
	assert.Equal(t, store.StateNativeBroadcasted, rec.State)
	assert.EqualValues(t, burn-1_000_000, rec.SentNativeSat)
	require.NotEmpty(t, rec.NativeTxID)

	// The broadcast release pays the recipient, returns change and tags
	// the payout with the burner's address.
	require.Len(t, env.fn.broadcasts, 1)
	release, err := native.DecodeRawTx(env.fn.broadcasts[0], testParams)
	require.NoError(t, err)
	assert.EqualValues(t, burn-1_000_000, release.PaidTo(recipient))
	assert.EqualValues(t, 500_000_000_000, release.PaidTo(env.fn.changeAddr))
	assert.Equal(t, []byte("un:w2-"+strings.TrimPrefix(sender, "0x")), release.FirstOpReturn())

	env.fn.confirmations[rec.NativeTxID] = 6
	env.b.Sweep()
	rec, err = env.st.UnwrapByBurnTxHash(ctx, rec.BurnTxHash)
	require.NoError(t, err)
	assert.Equal(t, store.StateUnwrapCompleted, rec.State)
}

func TestUnwrapReleaseFitsMaxWalletID(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	recipient := testAddr(t, 0x02)
	wallet := strings.Repeat("a", payload.MaxWalletIDLen)

	const burn = 2_000_000_000
	raw, sender := burnTx(t, env, burn, "un:"+wallet+"-"+recipient)
	rec, err := env.b.InitiateUnwrap(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, wallet, rec.WalletID)

	env.fs.receipts[rec.BurnTxHash] = &smart.Receipt{Status: 1, BlockNumber: 100}
	env.fs.head = 105
	env.b.Sweep() // confirming
	env.b.Sweep() // confirmed

	env.fn.unspent = []native.Unspent{{
		TxID: "0e3e2357e806b6cdb1f70b54c3a3a17b6714ee1f0e68bebb44a74b1efd512098", Vout: 0, ValueSat: burn,
	}}
	env.fn.changeAddr = testAddr(t, 0x03)
	env.b.Sweep()

	// The longest admissible wallet id must still yield a buildable
	// release: its OP_RETURN tops out at exactly the 80-byte cap.
	rec, err = env.st.UnwrapByBurnTxHash(ctx, rec.BurnTxHash)
	require.NoError(t, err)
	require.Equal(t, store.StateNativeBroadcasted, rec.State)
	assert.Zero(t, rec.Attempts)

	require.Len(t, env.fn.broadcasts, 1)
	release, err := native.DecodeRawTx(env.fn.broadcasts[0], testParams)
	require.NoError(t, err)
	op := release.FirstOpReturn()
	assert.Len(t, op, 80)
	assert.Equal(t, []byte("un:"+wallet+"-"+strings.TrimPrefix(sender, "0x")), op)
}

func TestUnwrapBurnRevertedForBalance(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	raw, _ := burnTx(t, env, 2_000_000_000, "un:w2-"+testAddr(t, 0x02))
	rec, err := env.b.InitiateUnwrap(ctx, raw)
	require.NoError(t, err)

	env.fs.receipts[rec.BurnTxHash] = &smart.Receipt{Status: 0, BlockNumber: 100}
	env.fs.revertSel = smart.InsufficientBalanceSelector
	env.fs.revertOK = true
	env.b.Sweep()

	rec, err = env.st.UnwrapByBurnTxHash(ctx, rec.BurnTxHash)
	require.NoError(t, err)
	assert.Equal(t, store.StateFailedInsufficientFunds, rec.State)
	assert.Equal(t, 1, rec.ExceptionHistory[insufficientFundsMsg])
}

func TestUnwrapBurnRevertedUnknownReason(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	raw, _ := burnTx(t, env, 2_000_000_000, "un:w2-"+testAddr(t, 0x02))
	rec, err := env.b.InitiateUnwrap(ctx, raw)
	require.NoError(t, err)

	// Reverted, but not with the InsufficientBalance selector.
	env.fs.receipts[rec.BurnTxHash] = &smart.Receipt{Status: 0, BlockNumber: 100}
	env.b.Sweep()

	rec, err = env.st.UnwrapByBurnTxHash(ctx, rec.BurnTxHash)
	require.NoError(t, err)
	assert.Equal(t, store.StateFailedTransactionUnknown, rec.State)
}

func TestUnwrapShortCustodyRetries(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	raw, _ := burnTx(t, env, 2_000_000_000, "un:w2-"+testAddr(t, 0x02))
	rec, err := env.b.InitiateUnwrap(ctx, raw)
	require.NoError(t, err)

	env.fs.receipts[rec.BurnTxHash] = &smart.Receipt{Status: 1, BlockNumber: 100}
	env.fs.head = 105
	env.b.Sweep() // confirming
	env.b.Sweep() // confirmed

	env.fn.unspent = []native.Unspent{{
		TxID: "0e3e2357e806b6cdb1f70b54c3a3a17b6714ee1f0e68bebb44a74b1efd512098", Vout: 0, ValueSat: 1_000_000,
	}}
	env.b.Sweep()

	rec, err = env.st.UnwrapByBurnTxHash(ctx, rec.BurnTxHash)
	require.NoError(t, err)
	assert.Equal(t, store.StateBurnConfirmed, rec.State, "short custody is retryable")
	assert.Equal(t, 1, rec.Attempts)
	assert.Empty(t, env.fn.broadcasts)
}

func TestInitiateUnwrapValidation(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	recipient := testAddr(t, 0x02)

	_, err := env.b.InitiateUnwrap(ctx, "zz")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// Burn below the native fee can never pay out.
	raw, _ := burnTx(t, env, 1_000_200, "un:w2-"+recipient)
	_, err = env.b.InitiateUnwrap(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	raw, _ = burnTx(t, env, 2_000_000_000, "wrp:w2-"+recipient)
	_, err = env.b.InitiateUnwrap(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidRequest, "wrap tag on a burn")

	raw, _ = burnTx(t, env, 2_000_000_000, "un:w2-bc1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq")
	_, err = env.b.InitiateUnwrap(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidRequest, "bad native recipient")
}

func TestInitiateUnwrapIdempotent(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	raw, _ := burnTx(t, env, 2_000_000_000, "un:w2-"+testAddr(t, 0x02))
	first, err := env.b.InitiateUnwrap(ctx, raw)
	require.NoError(t, err)
	second, err := env.b.InitiateUnwrap(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}
