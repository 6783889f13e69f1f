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

// Package native adapts the Bitcoin-like custody chain for the bridge:
// local transaction decoding, broadcast, confirmation lookups, UTXO
// enumeration and release-transaction construction against the node's
// wallet. All amounts cross this boundary as satoshis; the node's
// float-denominated wire values never leave the package.
package native

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/log"
)

// TxStatus is the confirmation view of a wallet transaction.
type TxStatus struct {
	Confirmations int64
	BlockHash     string
}

// Config connects the adapter to the node's wallet endpoint.
type Config struct {
	Host       string // host:port of the node RPC
	User       string
	Pass       string
	WalletName string // loaded at startup; empty for the default wallet
	Network    string // mainnet, testnet3, regtest, signet
}

// Adapter talks JSON-RPC to the native node. The client runs in HTTP
// POST mode, so every call is its own connection and a broken pipe on
// one call never poisons the next; transient connection faults are
// retried once before surfacing.
type Adapter struct {
	client *rpcclient.Client
	params *chaincfg.Params
	log    log.Logger
}

// ChainParams maps a network name to its chain parameters.
func ChainParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet3", "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	}
	return nil, fmt.Errorf("native: unknown network %q", network)
}

// New connects to the node and loads the configured wallet.
func New(cfg Config) (*Adapter, error) {
	params, err := ChainParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	host := cfg.Host
	if cfg.WalletName != "" {
		host = strings.TrimSuffix(host, "/") + "/wallet/" + cfg.WalletName
	}
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("native: rpc client: %w", err)
	}
	a := &Adapter{client: client, params: params, log: log.New("adapter", "native")}
	if cfg.WalletName != "" {
		if err := a.loadWallet(cfg.WalletName); err != nil {
			a.log.Warn("Wallet load failed, assuming already available", "wallet", cfg.WalletName, "err", err)
		}
	}
	return a, nil
}

func (a *Adapter) loadWallet(name string) error {
	_, err := a.client.LoadWallet(name)
	if err == nil || strings.Contains(err.Error(), "already loaded") {
		return nil
	}
	return err
}

// Params returns the configured chain parameters.
func (a *Adapter) Params() *chaincfg.Params { return a.params }

// isConnFault matches the transport faults worth one transparent retry.
func isConnFault(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range []string{"broken pipe", "connection reset", "connection refused", "EOF", "use of closed network connection"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// call runs fn honouring ctx cancellation (rpcclient calls have no
// deadline of their own) and retries connection faults once.
func call[T any](ctx context.Context, lg log.Logger, fn func() (T, error)) (T, error) {
	type res struct {
		v   T
		err error
	}
	var zero T
	for attempt := 0; ; attempt++ {
		ch := make(chan res, 1)
		go func() {
			v, err := fn()
			ch <- res{v, err}
		}()
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case r := <-ch:
			if r.err != nil && isConnFault(r.err) && attempt == 0 {
				lg.Warn("Node connection fault, retrying", "err", r.err)
				continue
			}
			return r.v, r.err
		}
	}
}

// ValidateAddress checks that addr parses for the configured network.
func (a *Adapter) ValidateAddress(addr string) error {
	if _, err := btcutil.DecodeAddress(addr, a.params); err != nil {
		return fmt.Errorf("native: bad address %q: %w", addr, err)
	}
	return nil
}

// DecodeRawTx decodes locally; see the package-level DecodeRawTx.
func (a *Adapter) DecodeRawTx(rawHex string) (*DecodedTx, error) {
	return DecodeRawTx(rawHex, a.params)
}

// Broadcast submits the signed transaction. A node already holding the
// transaction is treated as success with the locally derived txid.
func (a *Adapter) Broadcast(ctx context.Context, rawHex string) (string, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return "", fmt.Errorf("native: raw tx is not hex: %w", err)
	}
	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("native: deserialize tx: %w", err)
	}
	h, err := call(ctx, a.log, func() (string, error) {
		hash, err := a.client.SendRawTransaction(&msg, false)
		if err != nil {
			if strings.Contains(err.Error(), "already") {
				// txn-already-in-mempool / already in block chain
				return msg.TxHash().String(), nil
			}
			return "", err
		}
		return hash.String(), nil
	})
	if err != nil {
		return "", fmt.Errorf("native: broadcast: %w", err)
	}
	return h, nil
}

// TransactionStatus looks the transaction up in the wallet; unknown
// transactions return (nil, nil).
func (a *Adapter) TransactionStatus(ctx context.Context, txid string) (*TxStatus, error) {
	return call(ctx, a.log, func() (*TxStatus, error) {
		hash, err := chainhash.NewHashFromStr(txid)
		if err != nil {
			return nil, err
		}
		res, err := a.client.GetTransaction(hash)
		if err != nil {
			var rpcErr *btcjson.RPCError
			if errors.As(err, &rpcErr) &&
				(rpcErr.Code == btcjson.ErrRPCNoTxInfo || rpcErr.Code == btcjson.ErrRPCInvalidAddressOrKey) {
				return nil, nil
			}
			return nil, err
		}
		return &TxStatus{Confirmations: res.Confirmations, BlockHash: res.BlockHash}, nil
	})
}

// ListUnspent enumerates spendable outputs at addr worth at least
// minSat each, stopping once their sum reaches minSumSat (largest
// first, which keeps release inputs few). A short total is returned
// as-is; the caller decides whether that is an error.
func (a *Adapter) ListUnspent(ctx context.Context, addr string, minSat, minSumSat int64) ([]Unspent, error) {
	address, err := btcutil.DecodeAddress(addr, a.params)
	if err != nil {
		return nil, fmt.Errorf("native: bad address %q: %w", addr, err)
	}
	results, err := call(ctx, a.log, func() ([]btcjson.ListUnspentResult, error) {
		return a.client.ListUnspentMinMaxAddresses(0, 9999999, []btcutil.Address{address})
	})
	if err != nil {
		return nil, fmt.Errorf("native: listunspent: %w", err)
	}
	var candidates []Unspent
	for _, r := range results {
		if !r.Spendable {
			continue
		}
		amt, err := btcutil.NewAmount(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("native: unspent amount %v: %w", r.Amount, err)
		}
		if int64(amt) < minSat {
			continue
		}
		candidates = append(candidates, Unspent{TxID: r.TxID, Vout: r.Vout, ValueSat: int64(amt)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ValueSat > candidates[j].ValueSat })
	var (
		picked []Unspent
		sum    int64
	)
	for _, u := range candidates {
		picked = append(picked, u)
		sum += u.ValueSat
		if sum >= minSumSat {
			break
		}
	}
	return picked, nil
}

// ChangeAddress fetches a fresh change address from the wallet's
// default account.
func (a *Adapter) ChangeAddress(ctx context.Context) (string, error) {
	addr, err := call(ctx, a.log, func() (btcutil.Address, error) {
		return a.client.GetRawChangeAddress("")
	})
	if err != nil {
		return "", fmt.Errorf("native: change address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// CreateRawTx builds the unsigned release transaction locally.
func (a *Adapter) CreateRawTx(inputs []Unspent, outputs []Output, opReturn []byte) (string, error) {
	return BuildRawTx(inputs, outputs, opReturn, a.params)
}

// SignWithWallet signs with the node wallet's custodial key. complete
// is false when the wallet could not produce all signatures.
func (a *Adapter) SignWithWallet(ctx context.Context, rawHex string) (string, bool, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return "", false, fmt.Errorf("native: raw tx is not hex: %w", err)
	}
	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", false, fmt.Errorf("native: deserialize tx: %w", err)
	}
	type signResult struct {
		tx       *wire.MsgTx
		complete bool
	}
	res, err := call(ctx, a.log, func() (signResult, error) {
		signed, complete, err := a.client.SignRawTransactionWithWallet(&msg)
		return signResult{signed, complete}, err
	})
	if err != nil {
		return "", false, fmt.Errorf("native: sign with wallet: %w", err)
	}
	var buf bytes.Buffer
	if err := res.tx.Serialize(&buf); err != nil {
		return "", false, fmt.Errorf("native: serialize signed tx: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), res.complete, nil
}

// Ping checks node reachability.
func (a *Adapter) Ping(ctx context.Context) error {
	_, err := call(ctx, a.log, func() (int64, error) { return a.client.GetBlockCount() })
	return err
}

// Close shuts the RPC client down.
func (a *Adapter) Close() { a.client.Shutdown() }
