package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClockOnlyMovesOnAdvance(t *testing.T) {
	c := NewManualClock()
	start := c.Now()

	assert.Equal(t, start, c.Now())

	c.Advance(90 * time.Second)
	assert.Equal(t, 90*time.Second, c.Now().Sub(start))
}
