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
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/wbtc-bridge/wbtcd/chains/smart"
	"github.com/wbtc-bridge/wbtcd/payload"
	"github.com/wbtc-bridge/wbtcd/store"
)

// InitiateWrap admits a signed native-chain deposit. The raw
// transaction is decoded locally: it must pay the custodial address at
// least the minimum and carry a wrp OP_RETURN payload naming the mint
// recipient. Admission broadcasts the deposit and persists the record;
// resubmitting the same transaction returns the existing record.
func (b *Bridge) InitiateWrap(ctx context.Context, rawHex string) (*store.WrapRecord, error) {
	dec, err := b.native.DecodeRawTx(rawHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	op := dec.FirstOpReturn()
	if op == nil {
		return nil, fmt.Errorf("%w: transaction carries no payload output", ErrInvalidRequest)
	}
	pl, err := payload.ParseBytes(op)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if pl.Tag != payload.TagWrap {
		return nil, fmt.Errorf("%w: payload tag %q is not a wrap", ErrInvalidRequest, pl.Tag)
	}
	recipient, err := smart.NormalizeAddress(pl.Recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	deposit := dec.PaidTo(b.cfg.CustodialAddress)
	if deposit == 0 {
		return nil, fmt.Errorf("%w: transaction pays nothing to the custodial address", ErrInvalidRequest)
	}
	if deposit < b.cfg.MinAmountSat {
		return nil, fmt.Errorf("%w: deposit %d below minimum %d", ErrInvalidRequest, deposit, b.cfg.MinAmountSat)
	}

	if existing, err := b.store.WrapByNativeTxID(ctx, dec.TxID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	txid, err := b.native.Broadcast(ctx, rawHex)
	if err != nil {
		return nil, fmt.Errorf("%w: broadcast rejected: %v", ErrInvalidRequest, err)
	}

	rec := &store.WrapRecord{
		NativeTxID:       txid,
		WalletID:         pl.WalletID,
		RecipientAddress: recipient,
		DepositSat:       deposit,
		State:            store.StateNativeBroadcasted,
	}
	if err := b.store.InsertWrap(ctx, rec); err != nil {
		// Lost an admission race; the winner's record is authoritative.
		if errors.Is(err, store.ErrDuplicate) {
			return b.store.WrapByNativeTxID(ctx, txid)
		}
		return nil, err
	}
	wrapAdmittedMeter.Mark(1)
	b.log.Info("Wrap admitted", "id", rec.ID, "txid", txid, "wallet", pl.WalletID,
		"recipient", recipient, "deposit", deposit)
	return rec, nil
}

// sweepWraps advances every in-flight wrap record one step. Candidate
// sets are gathered up front so a record advanced during this sweep is
// not picked up again until the next tick.
func (b *Bridge) sweepWraps(ctx context.Context) error {
	broadcasted, err := b.wrapsInState(ctx, store.StateNativeBroadcasted)
	if err != nil {
		return err
	}
	minting, err := b.wrapsInState(ctx, store.StateMintingInProgress)
	if err != nil {
		return err
	}
	now := b.now()
	for _, rec := range broadcasted {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !shouldProcess(&rec.RetryState, now) {
			continue
		}
		if err := b.mintForDeposit(ctx, rec); err != nil {
			b.log.Error("Wrap mint step failed", "id", rec.ID, "err", err)
		}
	}
	for _, rec := range minting {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !shouldProcess(&rec.RetryState, now) {
			continue
		}
		if err := b.confirmMint(ctx, rec); err != nil {
			b.log.Error("Wrap confirm step failed", "id", rec.ID, "err", err)
		}
	}
	return nil
}

func (b *Bridge) wrapsInState(ctx context.Context, s store.State) ([]*store.WrapRecord, error) {
	cctx, cancel := b.callCtx(ctx)
	defer cancel()
	return b.store.WrapsInState(cctx, s)
}

// mintForDeposit waits out the deposit's confirmations, then issues the
// mint for the deposit minus the token fee.
func (b *Bridge) mintForDeposit(ctx context.Context, rec *store.WrapRecord) error {
	cctx, cancel := b.callCtx(ctx)
	defer cancel()

	status, err := b.native.TransactionStatus(cctx, rec.NativeTxID)
	if err != nil {
		return b.failWrap(ctx, rec, fmt.Sprintf("deposit status: %v", err))
	}
	if status == nil {
		return b.failWrap(ctx, rec, "deposit transaction not found")
	}
	if status.Confirmations < b.cfg.Confirmations {
		b.log.Debug("Deposit still confirming", "id", rec.ID,
			"confirmations", status.Confirmations, "want", b.cfg.Confirmations)
		return nil
	}

	minted := rec.DepositSat - b.cfg.EthFeeTokenSat
	if rec.DepositSat < b.cfg.MinAmountSat || minted <= 0 {
		rec.State = store.StateFailedInsufficientAmount
		wrapFailedMeter.Mark(1)
		b.log.Warn("Wrap deposit below minimum", "id", rec.ID, "deposit", rec.DepositSat)
		return b.updateWrap(ctx, rec, store.StateNativeBroadcasted)
	}

	hash, err := b.smart.Mint(cctx, rec.RecipientAddress, big.NewInt(minted))
	if err != nil {
		return b.failWrap(ctx, rec, fmt.Sprintf("mint: %v", err))
	}
	rec.MintedTokenSat = minted
	rec.MintTxHash = hash
	rec.State = store.StateMintingInProgress
	recordSuccess(&rec.RetryState)
	b.log.Info("Mint issued for deposit", "id", rec.ID, "minted", minted, "hash", hash)
	return b.updateWrap(ctx, rec, store.StateNativeBroadcasted)
}

// confirmMint completes the wrap once the mint receipt is deep enough.
func (b *Bridge) confirmMint(ctx context.Context, rec *store.WrapRecord) error {
	cctx, cancel := b.callCtx(ctx)
	defer cancel()

	receipt, err := b.smart.TransactionReceipt(cctx, rec.MintTxHash)
	if err != nil {
		return b.failWrap(ctx, rec, fmt.Sprintf("mint receipt: %v", err))
	}
	if receipt == nil {
		// Unknown to the node; either still propagating or dropped.
		return b.failWrap(ctx, rec, "mint transaction not found")
	}
	if receipt.Status == 0 {
		// A reverted mint is deterministic; retrying resends the same
		// calldata against the same state.
		from := rec.State
		recordFailure(&rec.RetryState, "mint transaction reverted", b.now(), b.cfg.MaxAttempts)
		rec.State = store.StateFailedTransactionUnknown
		wrapFailedMeter.Mark(1)
		b.log.Warn("Mint reverted", "id", rec.ID, "hash", rec.MintTxHash)
		return b.updateWrap(ctx, rec, from)
	}
	head, err := b.smart.BlockNumber(cctx)
	if err != nil {
		return b.failWrap(ctx, rec, fmt.Sprintf("head: %v", err))
	}
	if head < receipt.BlockNumber || int64(head-receipt.BlockNumber)+1 < b.cfg.Confirmations {
		b.log.Debug("Mint still confirming", "id", rec.ID, "block", receipt.BlockNumber, "head", head)
		return nil
	}
	rec.State = store.StateWrapCompleted
	recordSuccess(&rec.RetryState)
	wrapCompletedMeter.Mark(1)
	b.log.Info("Wrap completed", "id", rec.ID, "minted", rec.MintedTokenSat, "hash", rec.MintTxHash)
	return b.updateWrap(ctx, rec, store.StateMintingInProgress)
}

// failWrap books a retryable failure, parking the record once its
// attempts are exhausted.
func (b *Bridge) failWrap(ctx context.Context, rec *store.WrapRecord, msg string) error {
	from := rec.State
	if recordFailure(&rec.RetryState, msg, b.now(), b.cfg.MaxAttempts) {
		rec.State = store.StateFailedMaxAttempts
		wrapFailedMeter.Mark(1)
		b.log.Warn("Wrap attempts exhausted", "id", rec.ID, "last", msg)
	} else {
		b.log.Warn("Wrap attempt failed", "id", rec.ID, "attempts", rec.Attempts, "err", msg)
	}
	return b.updateWrap(ctx, rec, from)
}

func (b *Bridge) updateWrap(ctx context.Context, rec *store.WrapRecord, from store.State) error {
	cctx, cancel := b.callCtx(ctx)
	defer cancel()
	err := b.store.UpdateWrap(cctx, rec, from)
	if errors.Is(err, store.ErrStale) {
		b.log.Debug("Wrap record advanced elsewhere", "id", rec.ID)
		return nil
	}
	return err
}
