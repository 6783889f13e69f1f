package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wbtc-bridge/wbtcd/store"
)

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var out map[string]interface{}
	if w.Body.Len() > 0 && strings.HasPrefix(w.Body.String(), "{") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestAPIInitiateWrap(t *testing.T) {
	env := newEnv(t)
	h := env.b.Handler()

	raw := depositTx(t, env, 50_000_000, "wrp:w1-"+testEthRecipient)
	w, out := doJSON(t, h, http.MethodPost, "/initiate-wrap/", fmt.Sprintf(`{"signed_native_tx":%q}`, raw))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "NATIVE_BROADCASTED", out["state"])
	assert.EqualValues(t, 50_000_000, out["deposit_amount"])
	assert.Equal(t, "w1", out["wallet_id"])

	// Resubmission returns the same record.
	w2, out2 := doJSON(t, h, http.MethodPost, "/initiate-wrap/", fmt.Sprintf(`{"signed_native_tx":%q}`, raw))
	require.Equal(t, http.StatusOK, w2.Code)
	assert.Equal(t, out["id"], out2["id"])
}

func TestAPIInitiateWrapRejects(t *testing.T) {
	env := newEnv(t)
	h := env.b.Handler()

	w, _ := doJSON(t, h, http.MethodPost, "/initiate-wrap/", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, h, http.MethodPost, "/initiate-wrap/", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	raw := depositTx(t, env, 99_999, "wrp:w1-"+testEthRecipient)
	w, out := doJSON(t, h, http.MethodPost, "/initiate-wrap/", fmt.Sprintf(`{"signed_native_tx":%q}`, raw))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, out["error"], "below minimum")
}

func TestAPIInitiateUnwrap(t *testing.T) {
	env := newEnv(t)
	h := env.b.Handler()

	raw, sender := burnTx(t, env, 2_000_000_000, "un:w2-"+testAddr(t, 0x02))
	w, out := doJSON(t, h, http.MethodPost, "/initiate-unwrap/", fmt.Sprintf(`{"signed_eth_tx":%q}`, raw))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "BURN_INITIATED", out["state"])
	assert.Equal(t, sender, out["eth_sender"])

	w, _ = doJSON(t, h, http.MethodGet, "/unwrap-status/"+out["burn_tx_hash"].(string), "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIStatusAndHistory(t *testing.T) {
	env := newEnv(t)
	h := env.b.Handler()

	w, _ := doJSON(t, h, http.MethodGet, "/wrap-status/deadbeef", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	raw := depositTx(t, env, 50_000_000, "wrp:w1-"+testEthRecipient)
	rec, err := env.b.InitiateWrap(context.Background(), raw)
	require.NoError(t, err)

	w, out := doJSON(t, h, http.MethodGet, "/wrap-status/"+rec.NativeTxID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "w1", out["wallet_id"])

	req := httptest.NewRequest(http.MethodGet, "/wrap-history/w1", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, rec.NativeTxID, list[0]["native_tx_id"])

	req = httptest.NewRequest(http.MethodGet, "/unwrap-history/w1", nil)
	rw = httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rw.Body.String()))
}

func TestAPIFeesAndInfo(t *testing.T) {
	env := newEnv(t)
	h := env.b.Handler()

	w, out := doJSON(t, h, http.MethodGet, "/wrap-fee", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 100, out["fee"])
	assert.EqualValues(t, 100_000, out["min_amount"])
	assert.Equal(t, "2000000000", out["gas_price"])
	assert.EqualValues(t, 2_000_000, out["gas_limit"])

	w, out = doJSON(t, h, http.MethodGet, "/unwrap-fee", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1_000_000, out["fee"])

	w, out = doJSON(t, h, http.MethodGet, "/bridge-info", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testToken, out["token_address"])
	assert.Equal(t, env.b.cfg.CustodialAddress, out["custodial_address"])
	assert.NotEmpty(t, out["token_abi"])

	w, out = doJSON(t, h, http.MethodGet, "/bridge-addresses", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testToken, out["token_address"])
}

func TestAPITransactionCount(t *testing.T) {
	env := newEnv(t)
	h := env.b.Handler()
	sender := "0x" + testEthRecipient
	env.fs.nonce = 3

	// More burns recorded than the chain has seen yet: the record count
	// wins so a wallet never reuses a nonce.
	for i := 0; i < 5; i++ {
		err := env.st.InsertUnwrap(context.Background(), &store.UnwrapRecord{
			BurnTxHash: fmt.Sprintf("0xburn%02d", i),
			WalletID:   "w2",
			EthSender:  sender,
			BurnSat:    2_000_000_000,
			State:      store.StateBurnInitiated,
		})
		require.NoError(t, err)
	}

	w, out := doJSON(t, h, http.MethodGet, "/unwrap-eth-transaction-count/"+sender, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, out["eth_transaction_count"])
	assert.EqualValues(t, 5, out["unwrap_transaction_count"])
	assert.EqualValues(t, 5, out["final_nonce"])
	assert.Equal(t, "1337", out["chain_id"])

	env.fs.nonce = 9
	w, out = doJSON(t, h, http.MethodGet, "/unwrap-eth-transaction-count/"+sender, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 9, out["final_nonce"])

	w, _ = doJSON(t, h, http.MethodGet, "/unwrap-eth-transaction-count/nope", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIEthBalance(t *testing.T) {
	env := newEnv(t)
	h := env.b.Handler()
	env.fs.tokenBal.SetInt64(49_999_900)
	env.fs.ethBal.SetInt64(1_000_000_000)

	w, out := doJSON(t, h, http.MethodGet, "/eth-address/"+testEthRecipient+"/balance", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0x"+testEthRecipient, out["address"])
	assert.Equal(t, "49999900", out["wbtc_balance"])
	assert.Equal(t, "1000000000", out["eth_balance"])
}

func TestAPIHealth(t *testing.T) {
	env := newEnv(t)
	h := env.b.Handler()

	w, out := doJSON(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", out["store"])
	assert.Equal(t, "ok", out["native"])
	assert.Equal(t, "ok", out["smart"])
}
