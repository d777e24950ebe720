// File: pkg/common/convert_test.go
// Tests for lenient store-value conversion

package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSafeConversions(t *testing.T) {
	t.Run("Int", func(t *testing.T) {
		assert.Equal(t, 42, SafeInt("42", 0))
		assert.Equal(t, 7, SafeInt("", 7))
		assert.Equal(t, 7, SafeInt("garbage", 7))
	})

	t.Run("Int64ParsesFloats", func(t *testing.T) {
		// Timestamps written by other tooling may carry a fractional part
		assert.Equal(t, int64(1700000000), SafeInt64("1700000000.5", 0))
		assert.Equal(t, int64(9), SafeInt64("9", 0))
	})

	t.Run("Float", func(t *testing.T) {
		assert.Equal(t, 42.5, SafeFloat("42.5", 0))
		assert.Equal(t, 1.5, SafeFloat("x", 1.5))
	})

	t.Run("Bool", func(t *testing.T) {
		assert.True(t, SafeBool("true", false))
		assert.True(t, SafeBool("1", false))
		assert.False(t, SafeBool("false", true))
		assert.True(t, SafeBool("", true))
	})
}

func TestProcessRecordAges(t *testing.T) {
	now := time.Now()
	record := ProcessRecord{
		StartTime:     now.Add(-10 * time.Minute).Unix(),
		LastHeartbeat: now.Add(-30 * time.Second).Unix(),
	}

	assert.InDelta(t, 600, record.Age(now), 1)
	assert.InDelta(t, 30, record.HeartbeatAge(now), 1)
}
