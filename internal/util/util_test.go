package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithinTolerance(t *testing.T) {
	assert.True(t, WithinTolerance(12.0, 12.004, 0.01))
	assert.True(t, WithinTolerance(12.0, 12.01, 0.01))
	assert.False(t, WithinTolerance(12.0, 12.02, 0.01))
	assert.True(t, WithinTolerance(305000, 304900, 100))
}

func TestRoundTo(t *testing.T) {
	assert.Equal(t, 19.0, RoundTo(19.2, 0.5))
	assert.Equal(t, 19.5, RoundTo(19.3, 0.5))
	assert.Equal(t, 22.5, RoundTo(22.6, 0.5))
	assert.Equal(t, 3.3, RoundTo(3.3, 0))
}

func TestPtr(t *testing.T) {
	p := Ptr(5)
	assert.Equal(t, 5, *p)
}
