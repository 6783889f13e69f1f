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

// Package bridge drives the custodial two-way peg between the native
// chain and the token contract. It admits wrap deposits and unwrap
// burns over HTTP, persists each as a durable record and reconciles
// all in-flight records against both chains on a fixed tick. Failed
// attempts back off per record; progress survives restarts because
// every advance is a compare-and-set write against the store.
package bridge

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/sync/errgroup"

	"github.com/wbtc-bridge/wbtcd/chains/native"
	"github.com/wbtc-bridge/wbtcd/chains/smart"
	"github.com/wbtc-bridge/wbtcd/store"
)

// ErrInvalidRequest marks admission failures caused by the client's
// input. The HTTP layer maps it to a 400.
var ErrInvalidRequest = errors.New("bridge: invalid request")

// NativeClient is the slice of the native-chain adapter the bridge
// consumes.
type NativeClient interface {
	DecodeRawTx(rawHex string) (*native.DecodedTx, error)
	ValidateAddress(addr string) error
	Broadcast(ctx context.Context, rawHex string) (string, error)
	TransactionStatus(ctx context.Context, txid string) (*native.TxStatus, error)
	ListUnspent(ctx context.Context, addr string, minSat, minSumSat int64) ([]native.Unspent, error)
	ChangeAddress(ctx context.Context) (string, error)
	CreateRawTx(inputs []native.Unspent, outputs []native.Output, opReturn []byte) (string, error)
	SignWithWallet(ctx context.Context, rawHex string) (string, bool, error)
	Ping(ctx context.Context) error
}

// SmartClient is the slice of the smart-chain adapter the bridge
// consumes.
type SmartClient interface {
	DecodeSignedRaw(ctx context.Context, raw []byte) (*smart.DecodedTx, error)
	SendRaw(ctx context.Context, raw []byte) (string, error)
	Mint(ctx context.Context, recipient string, amount *big.Int) (string, error)
	TransactionReceipt(ctx context.Context, hash string) (*smart.Receipt, error)
	RevertSelector(ctx context.Context, hash string, failedBlock uint64) ([4]byte, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionCount(ctx context.Context, addr string) (uint64, error)
	BalanceOf(ctx context.Context, addr string) (*big.Int, error)
	EthBalance(ctx context.Context, addr string) (*big.Int, error)
	Ping(ctx context.Context) error
}

var (
	wrapAdmittedMeter    = metrics.NewRegisteredMeter("bridge/wrap/admitted", nil)
	wrapCompletedMeter   = metrics.NewRegisteredMeter("bridge/wrap/completed", nil)
	wrapFailedMeter      = metrics.NewRegisteredMeter("bridge/wrap/failed", nil)
	unwrapAdmittedMeter  = metrics.NewRegisteredMeter("bridge/unwrap/admitted", nil)
	unwrapCompletedMeter = metrics.NewRegisteredMeter("bridge/unwrap/completed", nil)
	unwrapFailedMeter    = metrics.NewRegisteredMeter("bridge/unwrap/failed", nil)
	sweepTimer           = metrics.NewRegisteredTimer("bridge/sweep", nil)
)

// Bridge wires the store, both chain adapters and the policy together.
type Bridge struct {
	cfg    Config
	store  store.Store
	native NativeClient
	smart  SmartClient
	log    log.Logger

	now func() time.Time // test clock

	quit chan struct{}
	wg   sync.WaitGroup
}

// New validates the configuration and assembles a stopped bridge.
func New(cfg Config, st store.Store, nc NativeClient, sc SmartClient) (*Bridge, error) {
	if err := cfg.Sanitize(); err != nil {
		return nil, err
	}
	return &Bridge{
		cfg:    cfg,
		store:  st,
		native: nc,
		smart:  sc,
		log:    log.New("service", "bridge"),
		now:    time.Now,
		quit:   make(chan struct{}),
	}, nil
}

// Start launches the reconciliation loop. One sweep runs immediately
// so a restart picks up in-flight records without waiting a tick.
func (b *Bridge) Start() {
	b.wg.Add(1)
	go b.loop()
	b.log.Info("Bridge started", "tick", b.cfg.TickInterval,
		"custodial", b.cfg.CustodialAddress, "token", b.cfg.TokenAddress)
}

// Stop terminates the loop and waits for an in-flight sweep to drain.
func (b *Bridge) Stop() {
	close(b.quit)
	b.wg.Wait()
	b.log.Info("Bridge stopped")
}

func (b *Bridge) loop() {
	defer b.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-b.quit:
			return
		case <-timer.C:
			b.Sweep()
			timer.Reset(b.cfg.TickInterval)
		}
	}
}

// Sweep reconciles every in-flight record once. The wrap and unwrap
// families proceed independently; a fault in one never starves the
// other.
func (b *Bridge) Sweep() {
	defer func(start time.Time) { sweepTimer.UpdateSince(start) }(time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-b.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	var g errgroup.Group
	g.Go(func() error { return b.sweepWraps(ctx) })
	g.Go(func() error { return b.sweepUnwraps(ctx) })
	if err := g.Wait(); err != nil {
		b.log.Error("Sweep failed", "err", err)
	}
}

// callCtx bounds one chain or store call within a sweep.
func (b *Bridge) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.cfg.CallTimeout)
}
