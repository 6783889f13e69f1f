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
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/wbtc-bridge/wbtcd/chains/native"
	"github.com/wbtc-bridge/wbtcd/chains/smart"
	"github.com/wbtc-bridge/wbtcd/payload"
	"github.com/wbtc-bridge/wbtcd/store"
)

const insufficientFundsMsg = "Insufficient balance for unwrap"

// InitiateUnwrap admits a signed burn transaction. The raw bytes are
// decoded locally: the transaction must target the token contract with
// burn calldata whose payload names a valid native recipient, and the
// burn must cover the native fee with more than dust to spare.
// Admission broadcasts the burn and persists the record; resubmitting
// the same transaction returns the existing record.
func (b *Bridge) InitiateUnwrap(ctx context.Context, rawHex string) (*store.UnwrapRecord, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(rawHex, "0x"), "0X"))
	if err != nil {
		return nil, fmt.Errorf("%w: raw tx is not hex: %v", ErrInvalidRequest, err)
	}
	dec, err := b.smart.DecodeSignedRaw(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	token, err := smart.NormalizeAddress(b.cfg.TokenAddress)
	if err != nil {
		return nil, err
	}
	if dec.To != token {
		return nil, fmt.Errorf("%w: transaction targets %s, not the token contract", ErrInvalidRequest, dec.To)
	}
	amount, data, err := smart.UnpackBurn(dec.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	pl, err := payload.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if pl.Tag != payload.TagUnwrap {
		return nil, fmt.Errorf("%w: payload tag %q is not an unwrap", ErrInvalidRequest, pl.Tag)
	}
	if err := b.native.ValidateAddress(pl.Recipient); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !amount.IsInt64() || amount.Int64() <= 0 {
		return nil, fmt.Errorf("%w: burn amount %v out of range", ErrInvalidRequest, amount)
	}
	burn := amount.Int64()
	if burn < b.cfg.MinAmountSat || burn-b.cfg.NativeFeeSat <= b.cfg.DustSat {
		return nil, fmt.Errorf("%w: burn %d does not cover minimum and fee", ErrInvalidRequest, burn)
	}

	if existing, err := b.store.UnwrapByBurnTxHash(ctx, dec.Hash); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	hash, err := b.smart.SendRaw(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: broadcast rejected: %v", ErrInvalidRequest, err)
	}

	rec := &store.UnwrapRecord{
		BurnTxHash:             hash,
		WalletID:               pl.WalletID,
		NativeRecipientAddress: pl.Recipient,
		BurnSat:                burn,
		EthSender:              dec.Sender,
		State:                  store.StateBurnInitiated,
	}
	if err := b.store.InsertUnwrap(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return b.store.UnwrapByBurnTxHash(ctx, hash)
		}
		return nil, err
	}
	unwrapAdmittedMeter.Mark(1)
	b.log.Info("Unwrap admitted", "id", rec.ID, "burn", hash, "wallet", pl.WalletID,
		"recipient", pl.Recipient, "amount", burn, "sender", dec.Sender)
	return rec, nil
}

// sweepUnwraps advances every in-flight unwrap record one step, with
// candidate sets gathered up front.
func (b *Bridge) sweepUnwraps(ctx context.Context) error {
	steps := []struct {
		state store.State
		fn    func(context.Context, *store.UnwrapRecord) error
	}{
		{store.StateBurnInitiated, b.checkBurn},
		{store.StateBurnConfirming, b.confirmBurn},
		{store.StateBurnConfirmed, b.release},
		{store.StateNativeBroadcasted, b.confirmRelease},
	}
	var batches [][]*store.UnwrapRecord
	for _, step := range steps {
		recs, err := b.unwrapsInState(ctx, step.state)
		if err != nil {
			return err
		}
		batches = append(batches, recs)
	}
	now := b.now()
	for i, step := range steps {
		for _, rec := range batches[i] {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !shouldProcess(&rec.RetryState, now) {
				continue
			}
			if err := step.fn(ctx, rec); err != nil {
				b.log.Error("Unwrap step failed", "id", rec.ID, "state", rec.State, "err", err)
			}
		}
	}
	return nil
}

func (b *Bridge) unwrapsInState(ctx context.Context, s store.State) ([]*store.UnwrapRecord, error) {
	cctx, cancel := b.callCtx(ctx)
	defer cancel()
	return b.store.UnwrapsInState(cctx, s)
}

// checkBurn watches the burn until it lands in a block. A revert whose
// data carries the token's InsufficientBalance selector parks the
// record immediately; there is no point retrying a burn the contract
// rejected for funds.
func (b *Bridge) checkBurn(ctx context.Context, rec *store.UnwrapRecord) error {
	cctx, cancel := b.callCtx(ctx)
	defer cancel()

	receipt, err := b.smart.TransactionReceipt(cctx, rec.BurnTxHash)
	if err != nil {
		return b.failUnwrap(ctx, rec, fmt.Sprintf("burn receipt: %v", err))
	}
	if receipt == nil {
		return b.failUnwrap(ctx, rec, "burn transaction not found")
	}
	if receipt.Status == 0 {
		sel, ok, err := b.smart.RevertSelector(cctx, rec.BurnTxHash, receipt.BlockNumber)
		if err != nil {
			return b.failUnwrap(ctx, rec, fmt.Sprintf("revert inspection: %v", err))
		}
		// The revert is deterministic either way; only its reason
		// decides which terminal state the record parks in.
		from := rec.State
		if ok && sel == smart.InsufficientBalanceSelector {
			recordFailure(&rec.RetryState, insufficientFundsMsg, b.now(), b.cfg.MaxAttempts)
			rec.State = store.StateFailedInsufficientFunds
			b.log.Warn("Burn reverted for insufficient balance", "id", rec.ID, "burn", rec.BurnTxHash)
		} else {
			recordFailure(&rec.RetryState, "burn reverted with unrecognized reason", b.now(), b.cfg.MaxAttempts)
			rec.State = store.StateFailedTransactionUnknown
			b.log.Warn("Burn reverted", "id", rec.ID, "burn", rec.BurnTxHash, "selector", sel)
		}
		unwrapFailedMeter.Mark(1)
		return b.updateUnwrap(ctx, rec, from)
	}
	rec.State = store.StateBurnConfirming
	recordSuccess(&rec.RetryState)
	b.log.Info("Burn included", "id", rec.ID, "burn", rec.BurnTxHash, "block", receipt.BlockNumber)
	return b.updateUnwrap(ctx, rec, store.StateBurnInitiated)
}

// confirmBurn waits for the burn to reach the confirmation depth.
func (b *Bridge) confirmBurn(ctx context.Context, rec *store.UnwrapRecord) error {
	cctx, cancel := b.callCtx(ctx)
	defer cancel()

	receipt, err := b.smart.TransactionReceipt(cctx, rec.BurnTxHash)
	if err != nil {
		return b.failUnwrap(ctx, rec, fmt.Sprintf("burn receipt: %v", err))
	}
	if receipt == nil || receipt.Status == 0 {
		// A confirming burn that vanishes or flips points at a reorg.
		return b.failUnwrap(ctx, rec, "burn no longer confirmed")
	}
	head, err := b.smart.BlockNumber(cctx)
	if err != nil {
		return b.failUnwrap(ctx, rec, fmt.Sprintf("head: %v", err))
	}
	if head < receipt.BlockNumber || int64(head-receipt.BlockNumber)+1 < b.cfg.Confirmations {
		b.log.Debug("Burn still confirming", "id", rec.ID, "block", receipt.BlockNumber, "head", head)
		return nil
	}
	rec.State = store.StateBurnConfirmed
	recordSuccess(&rec.RetryState)
	b.log.Info("Burn confirmed", "id", rec.ID, "burn", rec.BurnTxHash)
	return b.updateUnwrap(ctx, rec, store.StateBurnConfirming)
}

// release pays the burn out of custody. The payout is the burn minus
// the native fee; the fee also covers the release's miner fee. Change
// returns to a fresh custodial change address unless it is dust, in
// which case it is left to the miners.
func (b *Bridge) release(ctx context.Context, rec *store.UnwrapRecord) error {
	cctx, cancel := b.callCtx(ctx)
	defer cancel()

	payout := rec.BurnSat - b.cfg.NativeFeeSat
	if payout <= b.cfg.DustSat {
		from := rec.State
		rec.State = store.StateFailedInsufficientAmount
		unwrapFailedMeter.Mark(1)
		b.log.Warn("Unwrap payout below dust", "id", rec.ID, "burn", rec.BurnSat)
		return b.updateUnwrap(ctx, rec, from)
	}

	inputs, err := b.native.ListUnspent(cctx, b.cfg.CustodialAddress, b.cfg.DustSat, rec.BurnSat)
	if err != nil {
		return b.failUnwrap(ctx, rec, fmt.Sprintf("listunspent: %v", err))
	}
	var inSum int64
	for _, u := range inputs {
		inSum += u.ValueSat
	}
	if inSum < rec.BurnSat {
		// Custody is short; retry once it is topped up.
		return b.failUnwrap(ctx, rec, fmt.Sprintf("custodial funds %d short of %d", inSum, rec.BurnSat))
	}

	outputs := []native.Output{{Address: rec.NativeRecipientAddress, ValueSat: payout}}
	if change := inSum - rec.BurnSat; change > b.cfg.DustSat {
		changeAddr, err := b.native.ChangeAddress(cctx)
		if err != nil {
			return b.failUnwrap(ctx, rec, fmt.Sprintf("change address: %v", err))
		}
		outputs = append(outputs, native.Output{Address: changeAddr, ValueSat: change})
	}
	op := payload.Payload{Tag: payload.TagUnwrap, WalletID: rec.WalletID,
		Recipient: strings.TrimPrefix(rec.EthSender, "0x")}

	unsigned, err := b.native.CreateRawTx(inputs, outputs, op.Bytes())
	if err != nil {
		return b.failUnwrap(ctx, rec, fmt.Sprintf("build release: %v", err))
	}
	signed, complete, err := b.native.SignWithWallet(cctx, unsigned)
	if err != nil {
		return b.failUnwrap(ctx, rec, fmt.Sprintf("sign release: %v", err))
	}
	if !complete {
		return b.failUnwrap(ctx, rec, "wallet could not fully sign the release")
	}
	txid, err := b.native.Broadcast(cctx, signed)
	if err != nil {
		return b.failUnwrap(ctx, rec, fmt.Sprintf("broadcast release: %v", err))
	}
	rec.NativeTxID = txid
	rec.SentNativeSat = payout
	rec.State = store.StateNativeBroadcasted
	recordSuccess(&rec.RetryState)
	b.log.Info("Release broadcast", "id", rec.ID, "txid", txid, "payout", payout)
	return b.updateUnwrap(ctx, rec, store.StateBurnConfirmed)
}

// confirmRelease completes the unwrap once the release is deep enough.
func (b *Bridge) confirmRelease(ctx context.Context, rec *store.UnwrapRecord) error {
	cctx, cancel := b.callCtx(ctx)
	defer cancel()

	status, err := b.native.TransactionStatus(cctx, rec.NativeTxID)
	if err != nil {
		return b.failUnwrap(ctx, rec, fmt.Sprintf("release status: %v", err))
	}
	if status == nil {
		return b.failUnwrap(ctx, rec, "release transaction not found")
	}
	if status.Confirmations < b.cfg.Confirmations {
		b.log.Debug("Release still confirming", "id", rec.ID, "confirmations", status.Confirmations)
		return nil
	}
	rec.State = store.StateUnwrapCompleted
	recordSuccess(&rec.RetryState)
	unwrapCompletedMeter.Mark(1)
	b.log.Info("Unwrap completed", "id", rec.ID, "txid", rec.NativeTxID, "sent", rec.SentNativeSat)
	return b.updateUnwrap(ctx, rec, store.StateNativeBroadcasted)
}

func (b *Bridge) failUnwrap(ctx context.Context, rec *store.UnwrapRecord, msg string) error {
	from := rec.State
	if recordFailure(&rec.RetryState, msg, b.now(), b.cfg.MaxAttempts) {
		rec.State = store.StateFailedMaxAttempts
		unwrapFailedMeter.Mark(1)
		b.log.Warn("Unwrap attempts exhausted", "id", rec.ID, "last", msg)
	} else {
		b.log.Warn("Unwrap attempt failed", "id", rec.ID, "attempts", rec.Attempts, "err", msg)
	}
	return b.updateUnwrap(ctx, rec, from)
}

func (b *Bridge) updateUnwrap(ctx context.Context, rec *store.UnwrapRecord, from store.State) error {
	cctx, cancel := b.callCtx(ctx)
	defer cancel()
	err := b.store.UpdateUnwrap(cctx, rec, from)
	if errors.Is(err, store.ErrStale) {
		b.log.Debug("Unwrap record advanced elsewhere", "id", rec.ID)
		return nil
	}
	return err
}
