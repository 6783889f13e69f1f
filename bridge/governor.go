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
	"time"

	"github.com/wbtc-bridge/wbtcd/store"
)

// Per-record retry governor. Every failed attempt is counted in the
// record's exception history; the delay before the next attempt is
// min(2^attempts, 1440) minutes. The history survives restarts with
// the record, so the schedule does too.
const (
	backoffCapMinutes = 1440
	historyMaxKeys    = 32
	historyMaxKeyLen  = 256
	historyOverflow   = "(other)"
)

// backoffDelay returns the wait after the given number of failures.
func backoffDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	// 2^11 minutes already exceeds the cap.
	if attempts > 11 {
		attempts = 11
	}
	m := int64(1) << attempts
	if m > backoffCapMinutes {
		m = backoffCapMinutes
	}
	return time.Duration(m) * time.Minute
}

// shouldProcess reports whether the record's backoff window has
// elapsed. Records that never failed are always due.
func shouldProcess(rs *store.RetryState, now time.Time) bool {
	if rs.LastErrorAt == nil {
		return true
	}
	return !now.Before(rs.LastErrorAt.Add(backoffDelay(rs.Attempts)))
}

// recordFailure books one failed attempt under msg and reports whether
// the record has exhausted its attempts. The history is bounded: keys
// are truncated, historyMaxKeys distinct messages are retained, and any
// new message beyond that collapses into an overflow bucket.
func recordFailure(rs *store.RetryState, msg string, now time.Time, maxAttempts int) (exhausted bool) {
	if len(msg) > historyMaxKeyLen {
		msg = msg[:historyMaxKeyLen]
	}
	if rs.ExceptionHistory == nil {
		rs.ExceptionHistory = make(map[string]int)
	}
	if _, known := rs.ExceptionHistory[msg]; !known && len(rs.ExceptionHistory) >= historyMaxKeys {
		msg = historyOverflow
	}
	rs.ExceptionHistory[msg]++
	rs.Attempts = rs.HistorySum()
	if rs.Attempts > maxAttempts {
		rs.Attempts = maxAttempts
	}
	t := now
	rs.LastErrorAt = &t
	return rs.HistorySum() >= maxAttempts
}

// recordSuccess clears the retry bookkeeping after a completed attempt.
func recordSuccess(rs *store.RetryState) {
	rs.ExceptionHistory = nil
	rs.Attempts = 0
	rs.LastErrorAt = nil
}
