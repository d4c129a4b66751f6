package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestClockNowUTC ensures the clock returns UTC timestamps.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	require.NotNil(t, clk)

	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.After(before) && got.Before(after))
}

// TestFixedClock always reports the configured instant.
func TestFixedClock(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 3, 1, 8, 30, 0, 0, time.FixedZone("CET", 3600))
	clk := Fixed(at)
	assert.True(t, clk.Now().Equal(at))
	assert.Equal(t, time.UTC, clk.Now().Location())
	assert.Equal(t, clk.Now(), clk.Now())
}
