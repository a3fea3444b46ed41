package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNumber(t *testing.T) {
	assert.Equal(t, "0", Number(0))
	assert.Equal(t, "999", Number(999))
	assert.Equal(t, "1,234,567", Number(1234567))
}

func TestNumberCompact(t *testing.T) {
	assert.Equal(t, "512", NumberCompact(512))
	assert.Equal(t, "1.5K", NumberCompact(1500))
	assert.Equal(t, "1.2M", NumberCompact(1_234_567))
	assert.Equal(t, "2.0B", NumberCompact(2_000_000_000))
}

func TestPercent(t *testing.T) {
	assert.Equal(t, "87.5%", Percent(0.875))
	assert.Equal(t, "100.0%", Percent(1))
}

func TestScore(t *testing.T) {
	assert.Equal(t, "72.3/100", Score(72.25))
}
