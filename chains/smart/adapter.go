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

// Package smart adapts the EVM chain carrying the bridge token:
// typed-transaction decoding, receipt and confirmation lookups, mint
// issuance from the owner account and revert inspection for failed
// burns.
package smart

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
)

// Receipt is the settled view of a smart-chain transaction.
type Receipt struct {
	Status      uint64
	BlockNumber uint64
}

// DecodedTx is the bridge-relevant view of a signed raw transaction.
// Legacy and typed (EIP-1559, EIP-2930) envelopes decode alike.
type DecodedTx struct {
	Hash     string
	To       string // checksummed; empty for contract creation
	Sender   string // checksummed, recovered from the signature
	Data     []byte
	Value    *big.Int
	Gas      uint64
	GasPrice *big.Int
}

// Config connects the adapter to the node and the token contract.
type Config struct {
	URL          string
	TokenAddress string
	OwnerKeyHex  string // private key of the mint owner account
	GasLimit     uint64 // fixed mint gas limit
	MaxGasPrice  *big.Int
}

// Adapter wraps an ethclient plus the token binding. Mint issuance is
// serialised by a mutex so the owner nonce never collides even if two
// sweeps overlap.
type Adapter struct {
	client   *ethclient.Client
	token    common.Address
	ownerKey *ecdsa.PrivateKey
	owner    common.Address
	gasLimit uint64
	maxGas   *big.Int
	log      log.Logger

	chainOnce sync.Once
	chainID   *big.Int
	chainErr  error

	mintMu sync.Mutex
}

// Dial connects and validates the configuration.
func Dial(ctx context.Context, cfg Config) (*Adapter, error) {
	client, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("smart: dial %s: %w", cfg.URL, err)
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("smart: bad token address %q", cfg.TokenAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.OwnerKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("smart: owner key: %w", err)
	}
	return &Adapter{
		client:   client,
		token:    common.HexToAddress(cfg.TokenAddress),
		ownerKey: key,
		owner:    crypto.PubkeyToAddress(key.PublicKey),
		gasLimit: cfg.GasLimit,
		maxGas:   cfg.MaxGasPrice,
		log:      log.New("adapter", "smart"),
	}, nil
}

// Token returns the bound token contract address.
func (a *Adapter) Token() common.Address { return a.token }

// Owner returns the mint owner account.
func (a *Adapter) Owner() common.Address { return a.owner }

// ChainID fetches the chain id once and caches it.
func (a *Adapter) ChainID(ctx context.Context) (*big.Int, error) {
	a.chainOnce.Do(func() {
		a.chainID, a.chainErr = a.client.ChainID(ctx)
	})
	return a.chainID, a.chainErr
}

// GasPrice returns the node's suggested gas price.
func (a *Adapter) GasPrice(ctx context.Context) (*big.Int, error) {
	return a.client.SuggestGasPrice(ctx)
}

// BlockNumber returns the current head number.
func (a *Adapter) BlockNumber(ctx context.Context) (uint64, error) {
	return a.client.BlockNumber(ctx)
}

// TransactionCount returns the pending-inclusive nonce for addr.
func (a *Adapter) TransactionCount(ctx context.Context, addr string) (uint64, error) {
	if !common.IsHexAddress(addr) {
		return 0, fmt.Errorf("smart: bad address %q", addr)
	}
	return a.client.PendingNonceAt(ctx, common.HexToAddress(addr))
}

// TransactionReceipt returns nil while the transaction is pending or
// unknown to the node.
func (a *Adapter) TransactionReceipt(ctx context.Context, hash string) (*Receipt, error) {
	r, err := a.client.TransactionReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &Receipt{Status: r.Status, BlockNumber: r.BlockNumber.Uint64()}, nil
}

// DecodeSignedRaw decodes a signed raw transaction and recovers its
// sender. It accepts any typed-transaction envelope the chain does.
func (a *Adapter) DecodeSignedRaw(ctx context.Context, raw []byte) (*DecodedTx, error) {
	chainID, err := a.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	return DecodeSignedTx(raw, chainID)
}

// DecodeSignedTx parses signed raw bytes without a node round trip, so
// admission never trusts client-supplied metadata.
func DecodeSignedTx(raw []byte, chainID *big.Int) (*DecodedTx, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("smart: decode signed tx: %w", err)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("smart: recover sender: %w", err)
	}
	dec := &DecodedTx{
		Hash:     tx.Hash().Hex(),
		Sender:   sender.Hex(),
		Data:     tx.Data(),
		Value:    tx.Value(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
	}
	if to := tx.To(); to != nil {
		dec.To = to.Hex()
	}
	return dec, nil
}

// SendRaw broadcasts signed bytes. A node that already knows the
// transaction reports success; the hash is derived locally either way.
func (a *Adapter) SendRaw(ctx context.Context, raw []byte) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", fmt.Errorf("smart: decode signed tx: %w", err)
	}
	if err := a.client.SendTransaction(ctx, tx); err != nil && !alreadyKnown(err) {
		return "", fmt.Errorf("smart: send raw: %w", err)
	}
	return tx.Hash().Hex(), nil
}

func alreadyKnown(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "transaction already imported") ||
		strings.Contains(msg, "known transaction")
}

// Mint issues mint(recipient, amount) from the owner account. The gas
// price is the node's suggestion bumped 10% and capped; the nonce is
// read under the issue lock so concurrent callers cannot collide.
func (a *Adapter) Mint(ctx context.Context, recipient string, amount *big.Int) (string, error) {
	to, err := NormalizeAddress(recipient)
	if err != nil {
		return "", err
	}
	a.mintMu.Lock()
	defer a.mintMu.Unlock()

	chainID, err := a.ChainID(ctx)
	if err != nil {
		return "", err
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("smart: gas price: %w", err)
	}
	gasPrice = bumpGasPrice(gasPrice, a.maxGas)
	nonce, err := a.client.PendingNonceAt(ctx, a.owner)
	if err != nil {
		return "", fmt.Errorf("smart: owner nonce: %w", err)
	}
	data, err := PackMint(common.HexToAddress(to), amount)
	if err != nil {
		return "", fmt.Errorf("smart: pack mint: %w", err)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      a.gasLimit,
		To:       &a.token,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), a.ownerKey)
	if err != nil {
		return "", fmt.Errorf("smart: sign mint: %w", err)
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil && !alreadyKnown(err) {
		return "", fmt.Errorf("smart: send mint: %w", err)
	}
	a.log.Info("Mint issued", "to", to, "amount", amount, "nonce", nonce, "hash", signed.Hash())
	return signed.Hash().Hex(), nil
}

// bumpGasPrice returns min(price * 11/10, cap).
func bumpGasPrice(price, cap *big.Int) *big.Int {
	bumped := new(big.Int).Mul(price, big.NewInt(11))
	bumped.Div(bumped, big.NewInt(10))
	if cap != nil && bumped.Cmp(cap) > 0 {
		return new(big.Int).Set(cap)
	}
	return bumped
}

// RevertSelector re-executes the failed transaction as a call against
// the block preceding its inclusion and returns the first four bytes
// of the revert data. ok is false when no revert data was produced.
func (a *Adapter) RevertSelector(ctx context.Context, hash string, failedBlock uint64) (sel [4]byte, ok bool, err error) {
	tx, _, err := a.client.TransactionByHash(ctx, common.HexToHash(hash))
	if err != nil {
		return sel, false, fmt.Errorf("smart: fetch tx for revert inspection: %w", err)
	}
	chainID, err := a.ChainID(ctx)
	if err != nil {
		return sel, false, err
	}
	sender, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return sel, false, fmt.Errorf("smart: recover sender: %w", err)
	}
	msg := ethereum.CallMsg{
		From:     sender,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}
	var block *big.Int
	if failedBlock > 0 {
		block = new(big.Int).SetUint64(failedBlock - 1)
	}
	_, callErr := a.client.CallContract(ctx, msg, block)
	if callErr == nil {
		return sel, false, nil
	}
	data := revertData(callErr)
	if len(data) < 4 {
		return sel, false, nil
	}
	copy(sel[:], data[:4])
	return sel, true, nil
}

// revertData digs the ABI-encoded revert payload out of an RPC error.
func revertData(err error) []byte {
	var de interface{ ErrorData() interface{} }
	if !errors.As(err, &de) {
		return nil
	}
	hexStr, ok := de.ErrorData().(string)
	if !ok {
		return nil
	}
	data, decErr := hexutil.Decode(hexStr)
	if decErr != nil {
		return nil
	}
	return data
}

// BalanceOf reads the token balance of addr via eth_call.
func (a *Adapter) BalanceOf(ctx context.Context, addr string) (*big.Int, error) {
	account, err := NormalizeAddress(addr)
	if err != nil {
		return nil, err
	}
	data, err := PackBalanceOf(common.HexToAddress(account))
	if err != nil {
		return nil, err
	}
	ret, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &a.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("smart: balanceOf: %w", err)
	}
	return UnpackBalance(ret)
}

// EthBalance reads the coin balance of addr at the latest block.
func (a *Adapter) EthBalance(ctx context.Context, addr string) (*big.Int, error) {
	account, err := NormalizeAddress(addr)
	if err != nil {
		return nil, err
	}
	return a.client.BalanceAt(ctx, common.HexToAddress(account), nil)
}

// Ping checks node reachability.
func (a *Adapter) Ping(ctx context.Context) error {
	_, err := a.client.BlockNumber(ctx)
	return err
}

// Close tears the RPC connection down.
func (a *Adapter) Close() { a.client.Close() }
