// Copyright 2026 The wbtcd Authors
// This file is part of the wbtcd library.
//
// The wbtcd library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The wbtcd library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the wbtcd library. If not, see <http://www.gnu.org/licenses/>.

package bridge

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/wbtc-bridge/wbtcd/chains/smart"
	"github.com/wbtc-bridge/wbtcd/store"
)

type initiateWrapRequest struct {
	SignedNativeTx string `json:"signed_native_tx"`
}

type initiateUnwrapRequest struct {
	SignedEthTx string `json:"signed_eth_tx"`
}

// wrapView is the JSON shape of a wrap record. Amounts are base units.
type wrapView struct {
	ID               int64          `json:"id"`
	NativeTxID       string         `json:"native_tx_id"`
	WalletID         string         `json:"wallet_id"`
	RecipientAddress string         `json:"recipient_address"`
	DepositAmount    int64          `json:"deposit_amount"`
	MintedAmount     int64          `json:"minted_amount"`
	State            string         `json:"state"`
	MintTxHash       string         `json:"mint_tx_hash,omitempty"`
	Attempts         int            `json:"attempts"`
	ExceptionHistory map[string]int `json:"exception_history,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

type unwrapView struct {
	ID               int64          `json:"id"`
	BurnTxHash       string         `json:"burn_tx_hash"`
	WalletID         string         `json:"wallet_id"`
	RecipientAddress string         `json:"recipient_address"`
	BurnAmount       int64          `json:"burn_amount"`
	SentAmount       int64          `json:"sent_amount"`
	EthSender        string         `json:"eth_sender"`
	State            string         `json:"state"`
	NativeTxID       string         `json:"native_tx_id,omitempty"`
	Attempts         int            `json:"attempts"`
	ExceptionHistory map[string]int `json:"exception_history,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

func newWrapView(rec *store.WrapRecord) *wrapView {
	return &wrapView{
		ID:               rec.ID,
		NativeTxID:       rec.NativeTxID,
		WalletID:         rec.WalletID,
		RecipientAddress: rec.RecipientAddress,
		DepositAmount:    rec.DepositSat,
		MintedAmount:     rec.MintedTokenSat,
		State:            string(rec.State),
		MintTxHash:       rec.MintTxHash,
		Attempts:         rec.Attempts,
		ExceptionHistory: rec.ExceptionHistory,
		CreatedAt:        rec.CreatedAt,
	}
}

func newUnwrapView(rec *store.UnwrapRecord) *unwrapView {
	return &unwrapView{
		ID:               rec.ID,
		BurnTxHash:       rec.BurnTxHash,
		WalletID:         rec.WalletID,
		RecipientAddress: rec.NativeRecipientAddress,
		BurnAmount:       rec.BurnSat,
		SentAmount:       rec.SentNativeSat,
		EthSender:        rec.EthSender,
		State:            string(rec.State),
		NativeTxID:       rec.NativeTxID,
		Attempts:         rec.Attempts,
		ExceptionHistory: rec.ExceptionHistory,
		CreatedAt:        rec.CreatedAt,
	}
}

// Handler assembles the bridge's HTTP API.
func (b *Bridge) Handler() http.Handler {
	router := httprouter.New()

	router.POST("/initiate-wrap/", b.handleInitiateWrap)
	router.POST("/initiate-unwrap/", b.handleInitiateUnwrap)

	router.GET("/wrap-status/:native_tx_id", b.handleWrapStatus)
	router.GET("/unwrap-status/:burn_tx_hash", b.handleUnwrapStatus)
	router.GET("/wrap-history/:wallet_id", b.handleWrapHistory)
	router.GET("/unwrap-history/:wallet_id", b.handleUnwrapHistory)

	router.GET("/wrap-fee", b.handleWrapFee)
	router.GET("/unwrap-fee", b.handleUnwrapFee)
	router.GET("/bridge-info", b.handleBridgeInfo)
	router.GET("/bridge-addresses", b.handleBridgeAddresses)

	router.GET("/unwrap-eth-transaction-count/:address", b.handleTransactionCount)
	router.GET("/eth-address/:address/balance", b.handleEthBalance)

	router.GET("/health", b.handleHealth)

	origins := b.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(router)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, b *Bridge, err error) {
	if errors.Is(err, ErrInvalidRequest) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "record not found"})
		return
	}
	b.log.Error("Request failed", "err", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func (b *Bridge) handleInitiateWrap(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req initiateWrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, b, errors.Join(ErrInvalidRequest, err))
		return
	}
	if req.SignedNativeTx == "" {
		writeError(w, b, errors.Join(ErrInvalidRequest, errors.New("signed_native_tx is required")))
		return
	}
	rec, err := b.InitiateWrap(r.Context(), req.SignedNativeTx)
	if err != nil {
		writeError(w, b, err)
		return
	}
	writeJSON(w, http.StatusOK, newWrapView(rec))
}

func (b *Bridge) handleInitiateUnwrap(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req initiateUnwrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, b, errors.Join(ErrInvalidRequest, err))
		return
	}
	if req.SignedEthTx == "" {
		writeError(w, b, errors.Join(ErrInvalidRequest, errors.New("signed_eth_tx is required")))
		return
	}
	rec, err := b.InitiateUnwrap(r.Context(), req.SignedEthTx)
	if err != nil {
		writeError(w, b, err)
		return
	}
	writeJSON(w, http.StatusOK, newUnwrapView(rec))
}

func (b *Bridge) handleWrapStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	rec, err := b.store.WrapByNativeTxID(r.Context(), p.ByName("native_tx_id"))
	if err != nil {
		writeError(w, b, err)
		return
	}
	writeJSON(w, http.StatusOK, newWrapView(rec))
}

func (b *Bridge) handleUnwrapStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	rec, err := b.store.UnwrapByBurnTxHash(r.Context(), p.ByName("burn_tx_hash"))
	if err != nil {
		writeError(w, b, err)
		return
	}
	writeJSON(w, http.StatusOK, newUnwrapView(rec))
}

func (b *Bridge) handleWrapHistory(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	recs, err := b.store.WrapsByWallet(r.Context(), p.ByName("wallet_id"))
	if err != nil {
		writeError(w, b, err)
		return
	}
	views := make([]*wrapView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, newWrapView(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

func (b *Bridge) handleUnwrapHistory(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	recs, err := b.store.UnwrapsByWallet(r.Context(), p.ByName("wallet_id"))
	if err != nil {
		writeError(w, b, err)
		return
	}
	views := make([]*unwrapView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, newUnwrapView(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleWrapFee quotes the mint fee plus current gas terms so clients
// can price a wrap before signing.
func (b *Bridge) handleWrapFee(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	gasPrice, err := b.smart.GasPrice(r.Context())
	if err != nil {
		writeError(w, b, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fee":        b.cfg.EthFeeTokenSat,
		"min_amount": b.cfg.MinAmountSat,
		"gas_price":  gasPrice.String(),
		"gas_limit":  b.cfg.MintGasLimit,
	})
}

func (b *Bridge) handleUnwrapFee(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]int64{
		"fee":        b.cfg.NativeFeeSat,
		"min_amount": b.cfg.MinAmountSat,
	})
}

func (b *Bridge) handleBridgeInfo(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token_address":     b.cfg.TokenAddress,
		"custodial_address": b.cfg.CustodialAddress,
		"confirmations":     b.cfg.Confirmations,
		"token_abi":         json.RawMessage(smart.TokenABI),
	})
}

func (b *Bridge) handleBridgeAddresses(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{
		"token_address":     b.cfg.TokenAddress,
		"custodial_address": b.cfg.CustodialAddress,
	})
}

// handleTransactionCount returns the nonce a wallet should use for its
// next burn. The chain's pending count can lag right after a burn is
// admitted, so the bridge's own record count acts as a floor.
func (b *Bridge) handleTransactionCount(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	addr, err := smart.NormalizeAddress(p.ByName("address"))
	if err != nil {
		writeError(w, b, errors.Join(ErrInvalidRequest, err))
		return
	}
	chainCount, err := b.smart.TransactionCount(r.Context(), addr)
	if err != nil {
		writeError(w, b, err)
		return
	}
	recorded, err := b.store.CountUnwrapsBySender(r.Context(), addr)
	if err != nil {
		writeError(w, b, err)
		return
	}
	chainID, err := b.smart.ChainID(r.Context())
	if err != nil {
		writeError(w, b, err)
		return
	}
	final := int64(chainCount)
	if recorded > final {
		final = recorded
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"eth_transaction_count":    chainCount,
		"unwrap_transaction_count": recorded,
		"final_nonce":              final,
		"chain_id":                 chainID.String(),
	})
}

func (b *Bridge) handleEthBalance(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	addr, err := smart.NormalizeAddress(p.ByName("address"))
	if err != nil {
		writeError(w, b, errors.Join(ErrInvalidRequest, err))
		return
	}
	token, err := b.smart.BalanceOf(r.Context(), addr)
	if err != nil {
		writeError(w, b, err)
		return
	}
	eth, err := b.smart.EthBalance(r.Context(), addr)
	if err != nil {
		writeError(w, b, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":      addr,
		"wbtc_balance": token.String(),
		"eth_balance":  eth.String(),
	})
}

func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	checks := map[string]string{"store": "ok", "native": "ok", "smart": "ok"}
	healthy := true
	if err := b.store.Ping(r.Context()); err != nil {
		checks["store"] = err.Error()
		healthy = false
	}
	if err := b.native.Ping(r.Context()); err != nil {
		checks["native"] = err.Error()
		healthy = false
	}
	if err := b.smart.Ping(r.Context()); err != nil {
		checks["smart"] = err.Error()
		healthy = false
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, checks)
}
