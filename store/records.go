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

// Package store persists the bridge's wrap and unwrap records. Each
// record is a durable row carrying its lifecycle state, cross-chain
// identifiers, fixed-point amounts in base units (satoshis) and the
// retry bookkeeping of the backoff governor. Records are created at
// admission, advanced by the engines with compare-and-set updates and
// never deleted.
package store

import "time"

// State names a node in the wrap or unwrap lifecycle graph.
type State string

const (
	// Shared by both families.
	StateNativeBroadcasted State = "NATIVE_BROADCASTED"

	// Wrap lifecycle.
	StateMintingInProgress State = "MINTING_IN_PROGRESS"
	StateWrapCompleted     State = "WRAP_COMPLETED"

	// Unwrap lifecycle.
	StateBurnInitiated   State = "BURN_INITIATED"
	StateBurnConfirming  State = "BURN_CONFIRMING"
	StateBurnConfirmed   State = "BURN_CONFIRMED"
	StateUnwrapCompleted State = "UNWRAP_COMPLETED"

	// Terminal failures.
	StateFailedInsufficientAmount State = "FAILED_INSUFFICIENT_AMOUNT"
	StateFailedInsufficientFunds  State = "FAILED_INSUFFICIENT_FUNDS"
	StateFailedTransactionUnknown State = "FAILED_TRANSACTION_UNKNOWN"
	StateFailedMaxAttempts        State = "FAILED_TRANSACTION_MAX_ATTEMPTS"
)

// Terminal reports whether no further transitions may leave s.
func (s State) Terminal() bool {
	switch s {
	case StateWrapCompleted, StateUnwrapCompleted,
		StateFailedInsufficientAmount, StateFailedInsufficientFunds,
		StateFailedTransactionUnknown, StateFailedMaxAttempts:
		return true
	}
	return false
}

var wrapEdges = map[State][]State{
	StateNativeBroadcasted: {StateMintingInProgress, StateFailedInsufficientAmount, StateFailedMaxAttempts},
	StateMintingInProgress: {StateWrapCompleted, StateFailedTransactionUnknown, StateFailedMaxAttempts},
}

var unwrapEdges = map[State][]State{
	StateBurnInitiated:     {StateBurnConfirming, StateFailedInsufficientFunds, StateFailedTransactionUnknown, StateFailedMaxAttempts},
	StateBurnConfirming:    {StateBurnConfirmed, StateFailedMaxAttempts},
	StateBurnConfirmed:     {StateNativeBroadcasted, StateFailedInsufficientAmount, StateFailedMaxAttempts},
	StateNativeBroadcasted: {StateUnwrapCompleted, StateFailedMaxAttempts},
}

func validEdge(edges map[State][]State, from, to State) bool {
	if from == to {
		return true // retry bookkeeping without an advance
	}
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidWrapTransition reports whether from→to is an edge of the wrap
// lifecycle graph. Backward transitions are never valid.
func ValidWrapTransition(from, to State) bool { return validEdge(wrapEdges, from, to) }

// ValidUnwrapTransition reports whether from→to is an edge of the
// unwrap lifecycle graph.
func ValidUnwrapTransition(from, to State) bool { return validEdge(unwrapEdges, from, to) }

// RetryState is the backoff governor's per-record bookkeeping. The
// exception history doubles as an operator-facing log and as the
// attempt counter; its size is bounded by the governor.
type RetryState struct {
	ExceptionHistory map[string]int
	Attempts         int
	LastErrorAt      *time.Time
}

// HistorySum returns the total number of recorded failures.
func (r *RetryState) HistorySum() int {
	n := 0
	for _, c := range r.ExceptionHistory {
		n += c
	}
	return n
}

// WrapRecord tracks one native-chain deposit being turned into minted
// token. Amounts are satoshis; one token base unit corresponds to one
// satoshi.
type WrapRecord struct {
	ID               int64
	NativeTxID       string // unique; deposit tx on the native chain
	WalletID         string
	RecipientAddress string // checksummed smart-chain address
	DepositSat       int64
	MintedTokenSat   int64 // set when the mint is issued
	State            State
	MintTxHash       string
	RetryState
	CreatedAt time.Time
}

// UnwrapRecord tracks one smart-chain burn being redeemed for native
// coin out of custody.
type UnwrapRecord struct {
	ID                     int64
	BurnTxHash             string // unique; burn tx on the smart chain
	WalletID               string
	NativeRecipientAddress string
	BurnSat                int64
	EthSender              string // checksummed address recovered from the signed burn
	State                  State
	NativeTxID             string // release tx once broadcast
	SentNativeSat          int64  // actual payout after fee
	RetryState
	CreatedAt time.Time
}
