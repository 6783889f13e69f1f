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
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests. It enforces the same
// uniqueness and compare-and-set semantics as the SQL store.
type Memory struct {
	mu      sync.Mutex
	wraps   map[int64]*WrapRecord
	unwraps map[int64]*UnwrapRecord
	nextID  int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		wraps:   make(map[int64]*WrapRecord),
		unwraps: make(map[int64]*UnwrapRecord),
		nextID:  1,
	}
}

func copyHistory(h map[string]int) map[string]int {
	if h == nil {
		return nil
	}
	c := make(map[string]int, len(h))
	for k, v := range h {
		c[k] = v
	}
	return c
}

func copyWrap(rec *WrapRecord) *WrapRecord {
	c := *rec
	c.ExceptionHistory = copyHistory(rec.ExceptionHistory)
	if rec.LastErrorAt != nil {
		t := *rec.LastErrorAt
		c.LastErrorAt = &t
	}
	return &c
}

func copyUnwrap(rec *UnwrapRecord) *UnwrapRecord {
	c := *rec
	c.ExceptionHistory = copyHistory(rec.ExceptionHistory)
	if rec.LastErrorAt != nil {
		t := *rec.LastErrorAt
		c.LastErrorAt = &t
	}
	return &c
}

func (m *Memory) InsertWrap(_ context.Context, rec *WrapRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.wraps {
		if r.NativeTxID == rec.NativeTxID {
			return ErrDuplicate
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.ID = m.nextID
	m.nextID++
	m.wraps[rec.ID] = copyWrap(rec)
	return nil
}

func (m *Memory) InsertUnwrap(_ context.Context, rec *UnwrapRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.unwraps {
		if r.BurnTxHash == rec.BurnTxHash {
			return ErrDuplicate
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.ID = m.nextID
	m.nextID++
	m.unwraps[rec.ID] = copyUnwrap(rec)
	return nil
}

func (m *Memory) WrapByNativeTxID(_ context.Context, nativeTxID string) (*WrapRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.wraps {
		if r.NativeTxID == nativeTxID {
			return copyWrap(r), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UnwrapByBurnTxHash(_ context.Context, burnTxHash string) (*UnwrapRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.unwraps {
		if r.BurnTxHash == burnTxHash {
			return copyUnwrap(r), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) WrapsByWallet(_ context.Context, walletID string) ([]*WrapRecord, error) {
	return m.selectWraps(func(r *WrapRecord) bool { return r.WalletID == walletID })
}

func (m *Memory) UnwrapsByWallet(_ context.Context, walletID string) ([]*UnwrapRecord, error) {
	return m.selectUnwraps(func(r *UnwrapRecord) bool { return r.WalletID == walletID })
}

func (m *Memory) WrapsInState(_ context.Context, s State) ([]*WrapRecord, error) {
	return m.selectWraps(func(r *WrapRecord) bool { return r.State == s })
}

func (m *Memory) UnwrapsInState(_ context.Context, s State) ([]*UnwrapRecord, error) {
	return m.selectUnwraps(func(r *UnwrapRecord) bool { return r.State == s })
}

func (m *Memory) selectWraps(match func(*WrapRecord) bool) ([]*WrapRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var recs []*WrapRecord
	for _, r := range m.wraps {
		if match(r) {
			recs = append(recs, copyWrap(r))
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs, nil
}

func (m *Memory) selectUnwraps(match func(*UnwrapRecord) bool) ([]*UnwrapRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var recs []*UnwrapRecord
	for _, r := range m.unwraps {
		if match(r) {
			recs = append(recs, copyUnwrap(r))
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs, nil
}

func (m *Memory) CountUnwrapsBySender(_ context.Context, sender string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.unwraps {
		if r.EthSender == sender {
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpdateWrap(_ context.Context, rec *WrapRecord, from State) error {
	if !ValidWrapTransition(from, rec.State) {
		return fmt.Errorf("%w: wrap %s -> %s", ErrBadTransition, from, rec.State)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.wraps[rec.ID]
	if !ok || cur.State != from {
		return ErrStale
	}
	m.wraps[rec.ID] = copyWrap(rec)
	return nil
}

func (m *Memory) UpdateUnwrap(_ context.Context, rec *UnwrapRecord, from State) error {
	if !ValidUnwrapTransition(from, rec.State) {
		return fmt.Errorf("%w: unwrap %s -> %s", ErrBadTransition, from, rec.State)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.unwraps[rec.ID]
	if !ok || cur.State != from {
		return ErrStale
	}
	m.unwraps[rec.ID] = copyUnwrap(rec)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
