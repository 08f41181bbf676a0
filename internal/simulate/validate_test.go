package simulate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_RecoversInjectedBreakpoint(t *testing.T) {
	cfg := DefaultValidateConfig()

	v, err := Validate(context.Background(), cfg)
	require.NoError(t, err)

	require.Len(t, v.Draws, 5)
	assert.GreaterOrEqual(t, v.Detected, 4)
	assert.GreaterOrEqual(t, v.Recovered, 4)
	assert.InDelta(t, 0.40, v.MeanBreakpoint, 0.05)
	for i, d := range v.Draws {
		assert.Equal(t, cfg.Table.Seed+uint64(i), d.Seed)
	}
}

func TestValidate_LinearOutcomeRarelyDetected(t *testing.T) {
	cfg := DefaultValidateConfig()
	cfg.Table.Outcome = OutcomeModel{Intercept: -1, Slope: 2, Breakpoint: 0.4}

	v, err := Validate(context.Background(), cfg)
	require.NoError(t, err)
	assert.LessOrEqual(t, v.Detected, 2)
	for _, d := range v.Draws {
		assert.Equal(t, d.PValue < cfg.Detector.Alpha, d.Verdict == "breakpoint_detected")
	}
}

func TestValidate_Errors(t *testing.T) {
	cfg := DefaultValidateConfig()
	cfg.Draws = 0
	_, err := Validate(context.Background(), cfg)
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Validate(ctx, DefaultValidateConfig())
	require.ErrorIs(t, err, context.Canceled)
}
