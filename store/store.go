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

package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no record matches the lookup key.
	ErrNotFound = errors.New("store: record not found")
	// ErrDuplicate is returned when an insert violates the uniqueness
	// of native_tx_id (wraps) or burn_tx_hash (unwraps).
	ErrDuplicate = errors.New("store: duplicate record")
	// ErrStale is returned by a compare-and-set update whose expected
	// state no longer matches the row, i.e. another writer advanced it.
	ErrStale = errors.New("store: stale update, record state changed")
	// ErrBadTransition is returned when an update names an edge that is
	// not in the lifecycle graph.
	ErrBadTransition = errors.New("store: invalid state transition")
)

// Store is the durable record store consumed by the admission API and
// the reconciliation engines. Implementations must serialise writes to
// a single record; UpdateWrap/UpdateUnwrap compare the caller's
// expected state against the row so overlapping sweeps cannot step on
// each other.
type Store interface {
	InsertWrap(ctx context.Context, rec *WrapRecord) error
	InsertUnwrap(ctx context.Context, rec *UnwrapRecord) error

	WrapByNativeTxID(ctx context.Context, nativeTxID string) (*WrapRecord, error)
	UnwrapByBurnTxHash(ctx context.Context, burnTxHash string) (*UnwrapRecord, error)
	WrapsByWallet(ctx context.Context, walletID string) ([]*WrapRecord, error)
	UnwrapsByWallet(ctx context.Context, walletID string) ([]*UnwrapRecord, error)
	WrapsInState(ctx context.Context, s State) ([]*WrapRecord, error)
	UnwrapsInState(ctx context.Context, s State) ([]*UnwrapRecord, error)
	CountUnwrapsBySender(ctx context.Context, sender string) (int64, error)

	// UpdateWrap persists rec, requiring the stored row to still be in
	// state from. rec.State == from persists retry bookkeeping without
	// an advance; any other value must be a graph edge.
	UpdateWrap(ctx context.Context, rec *WrapRecord, from State) error
	UpdateUnwrap(ctx context.Context, rec *UnwrapRecord, from State) error

	Ping(ctx context.Context) error
	Close() error
}
