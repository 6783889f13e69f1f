package bridge

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/wbtc-bridge/wbtcd/store"
)

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, time.Minute, backoffDelay(0))
	assert.Equal(t, 2*time.Minute, backoffDelay(1))
	assert.Equal(t, 8*time.Minute, backoffDelay(3))
	assert.Equal(t, 1024*time.Minute, backoffDelay(10))
	// Capped at one day.
	assert.Equal(t, 1440*time.Minute, backoffDelay(11))
	assert.Equal(t, 1440*time.Minute, backoffDelay(50))
	assert.Equal(t, time.Minute, backoffDelay(-1))
}

func TestShouldProcess(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	rs := &store.RetryState{}
	assert.True(t, shouldProcess(rs, now))

	errAt := now.Add(-30 * time.Second)
	rs = &store.RetryState{Attempts: 1, LastErrorAt: &errAt}
	assert.False(t, shouldProcess(rs, now), "2m window not yet elapsed")
	assert.True(t, shouldProcess(rs, now.Add(2*time.Minute)))

	errAt = now.Add(-25 * time.Hour)
	rs = &store.RetryState{Attempts: 50, LastErrorAt: &errAt}
	assert.True(t, shouldProcess(rs, now), "capped delay elapsed")
}

func TestRecordFailure(t *testing.T) {
	now := time.Now()
	rs := &store.RetryState{}

	for i := 1; i < 10; i++ {
		exhausted := recordFailure(rs, "node unreachable", now, 10)
		assert.False(t, exhausted, i)
		assert.Equal(t, i, rs.Attempts)
	}
	assert.True(t, recordFailure(rs, "node unreachable", now, 10))
	assert.Equal(t, 10, rs.ExceptionHistory["node unreachable"])
	assert.Equal(t, 10, rs.Attempts)
	assert.Equal(t, now, *rs.LastErrorAt)

	// Attempts stay capped even past exhaustion.
	recordFailure(rs, "node unreachable", now, 10)
	assert.Equal(t, 10, rs.Attempts)

	recordSuccess(rs)
	assert.Nil(t, rs.ExceptionHistory)
	assert.Zero(t, rs.Attempts)
	assert.Nil(t, rs.LastErrorAt)
}

func TestRecordFailureBoundsHistory(t *testing.T) {
	now := time.Now()
	rs := &store.RetryState{}

	recordFailure(rs, strings.Repeat("x", 2*historyMaxKeyLen), now, 100)
	for k := range rs.ExceptionHistory {
		assert.Len(t, k, historyMaxKeyLen)
	}

	for i := 0; i < historyMaxKeys+5; i++ {
		recordFailure(rs, fmt.Sprintf("distinct error %d", i), now, 100)
	}
	// historyMaxKeys distinct messages are retained in full; only the
	// ones past the cap collapse into the overflow bucket.
	assert.Equal(t, historyMaxKeys+1, len(rs.ExceptionHistory))
	assert.Contains(t, rs.ExceptionHistory, fmt.Sprintf("distinct error %d", historyMaxKeys-2))
	assert.NotContains(t, rs.ExceptionHistory, fmt.Sprintf("distinct error %d", historyMaxKeys-1))
	assert.Equal(t, 6, rs.ExceptionHistory[historyOverflow])
	// Every failure still counts toward the attempt total.
	assert.Equal(t, historyMaxKeys+6, rs.HistorySum())
}
