package native

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var params = &chaincfg.RegressionNetParams

// testAddr derives a deterministic P2PKH address from a seed byte.
func testAddr(t *testing.T, seed byte) string {
	t.Helper()
	pkh := bytes.Repeat([]byte{seed}, 20)
	addr, err := btcutil.NewAddressPubKeyHash(pkh, params)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func TestBuildDecodeRoundTrip(t *testing.T) {
	recipientAddr := testAddr(t, 0x01)
	custodialAddr := testAddr(t, 0x02)

	inputs := []Unspent{
		{TxID: "0e3e2357e806b6cdb1f70b54c3a3a17b6714ee1f0e68bebb44a74b1efd512098", Vout: 0, ValueSat: 2_500_000_000},
		{TxID: "9b0fc92260312ce44e74ef369f5c66bbb85848f2eddd5a7a1cde251e54ccfdd5", Vout: 1, ValueSat: 100_000},
	}
	outputs := []Output{
		{Address: recipientAddr, ValueSat: 1_999_999_000},
		{Address: custodialAddr, ValueSat: 499_000_000},
	}
	opReturn := []byte("un:w2-abcdef0123456789")

	rawHex, err := BuildRawTx(inputs, outputs, opReturn, params)
	require.NoError(t, err)

	dec, err := DecodeRawTx(rawHex, params)
	require.NoError(t, err)
	require.Len(t, dec.Outputs, 3)
	assert.NotEmpty(t, dec.TxID)

	assert.Equal(t, recipientAddr, dec.Outputs[0].Address)
	assert.EqualValues(t, 1_999_999_000, dec.Outputs[0].ValueSat)
	assert.Equal(t, custodialAddr, dec.Outputs[1].Address)

	assert.Empty(t, dec.Outputs[2].Address)
	assert.Equal(t, opReturn, dec.Outputs[2].OpReturn)
	assert.Zero(t, dec.Outputs[2].ValueSat)

	assert.EqualValues(t, 499_000_000, dec.PaidTo(custodialAddr))
	assert.Equal(t, opReturn, dec.FirstOpReturn())
	assert.Zero(t, dec.PaidTo(testAddr(t, 0x03)))
}

func TestBuildRawTxErrors(t *testing.T) {
	recipientAddr := testAddr(t, 0x01)
	good := []Unspent{{TxID: "9b0fc92260312ce44e74ef369f5c66bbb85848f2eddd5a7a1cde251e54ccfdd5", Vout: 0, ValueSat: 1}}

	_, err := BuildRawTx(nil, []Output{{Address: recipientAddr, ValueSat: 1}}, nil, params)
	assert.ErrorContains(t, err, "no inputs")

	_, err = BuildRawTx([]Unspent{{TxID: "zz", Vout: 0}}, []Output{{Address: recipientAddr, ValueSat: 1}}, nil, params)
	assert.ErrorContains(t, err, "bad input txid")

	_, err = BuildRawTx(good, []Output{{Address: "not-an-address", ValueSat: 1}}, nil, params)
	assert.ErrorContains(t, err, "bad output address")
}

func TestDecodeRawTxErrors(t *testing.T) {
	_, err := DecodeRawTx("zz", params)
	assert.ErrorContains(t, err, "not hex")

	_, err = DecodeRawTx("00", params)
	assert.ErrorContains(t, err, "deserialize")
}

func TestIsConnFault(t *testing.T) {
	assert.False(t, isConnFault(nil))
	assert.True(t, isConnFault(errFor("write tcp 1.2.3.4: broken pipe")))
	assert.True(t, isConnFault(errFor("read: connection reset by peer")))
	assert.True(t, isConnFault(errFor("unexpected EOF")))
	assert.False(t, isConnFault(errFor("-26: txn-mempool-conflict")))
}

type errFor string

func (e errFor) Error() string { return string(e) }

func TestChainParams(t *testing.T) {
	for name, want := range map[string]*chaincfg.Params{
		"":         &chaincfg.MainNetParams,
		"mainnet":  &chaincfg.MainNetParams,
		"testnet3": &chaincfg.TestNet3Params,
		"regtest":  &chaincfg.RegressionNetParams,
		"signet":   &chaincfg.SigNetParams,
	} {
		got, err := ChainParams(name)
		require.NoError(t, err)
		assert.Same(t, want, got, name)
	}
	_, err := ChainParams("litecoin")
	assert.Error(t, err)
}
