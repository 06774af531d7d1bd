package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStepRounding(t *testing.T) {
	tests := []struct {
		name  string
		value float64
		step  float64
		floor float64
		ceil  float64
	}{
		{"exact multiple survives float noise", 1.8489, 0.0001, 1.8489, 1.8489},
		{"between ticks", 1.84895, 0.0001, 1.8489, 1.849},
		{"sum that lands on a tick", 1.8 + 0.005, 0.001, 1.805, 1.805},
		{"quantity step", 123.456, 0.1, 123.4, 123.5},
		{"zero step is identity", 1.23456, 0, 1.23456, 1.23456},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.floor, FloorToStep(tt.value, tt.step), 1e-12)
			assert.InDelta(t, tt.ceil, CeilToStep(tt.value, tt.step), 1e-12)
		})
	}
}

func TestAdjustPriceToTickSize(t *testing.T) {
	assert.InDelta(t, 1.8501, AdjustPriceToTickSize(1.85006, 0.0001), 1e-12)
	assert.InDelta(t, 1.85, AdjustPriceToTickSize(1.85004, 0.0001), 1e-12)
	assert.Equal(t, 1.23, AdjustPriceToTickSize(1.23, 0))
}

func TestRoundToPrecision(t *testing.T) {
	assert.Equal(t, 1.2346, RoundToPrecision(1.23456, 4))
	assert.Equal(t, 2.0, RoundToPrecision(1.5, 0))
}

func TestTicksBetween(t *testing.T) {
	assert.Equal(t, int64(250), TicksBetween(1.83, 1.855, 0.0001))
	assert.Equal(t, int64(-1), TicksBetween(1.8501, 1.85, 0.0001))
	assert.Equal(t, int64(0), TicksBetween(1.85, 1.85004, 0.0001), "less than half a tick")
	assert.Equal(t, int64(0), TicksBetween(1, 2, 0))
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, int32(4), DecimalsOf(0.0001))
	assert.Equal(t, int32(0), DecimalsOf(1))
	assert.Equal(t, int32(8), DecimalsOf(0))
	assert.Equal(t, "1.8500", FormatToStep(1.85, 0.0001))
	assert.Equal(t, "100.0", FormatToStep(100, 0.1))
}

func TestFloatEquals(t *testing.T) {
	assert.True(t, FloatEquals(0.1+0.2, 0.3))
	assert.False(t, FloatEquals(0.3, 0.3001))
}
