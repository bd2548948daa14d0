package reputation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func burstConfig() SabotageConfig {
	cfg := DefaultSabotageConfig()
	cfg.BurstCount = 4
	cfg.BurstWindow = 30 * time.Second
	return cfg
}

func TestDisproportionateNegativeWithBurst(t *testing.T) {
	d := NewSabotageDetector("node-a", burstConfig(), nil)

	// One honest positive from an independent source.
	assert.Nil(t, d.AddFeedback("node-u", "node-t", true))

	// Four rapid negatives from the same source.
	var flag *SabotageFlag
	for i := 0; i < 4; i++ {
		flag = d.AddFeedback("node-s", "node-t", false)
	}

	require.NotNil(t, flag)
	assert.Contains(t, flag.Reasons, FlagDisproportionateNegative)
	assert.Contains(t, flag.Reasons, FlagReviewBombing)
	assert.True(t, flag.Discount)
	assert.True(t, d.IsDiscounted("node-s", "node-t"))
	assert.False(t, d.IsDiscounted("node-u", "node-t"))
}

func TestNoFlagWithoutIndependentPositive(t *testing.T) {
	cfg := DefaultSabotageConfig()
	d := NewSabotageDetector("node-a", cfg, nil)

	// All feedback negative and from one source, but nobody vouches for
	// the target, so dominance alone is not suspicious.
	d.AddFeedback("node-s", "node-t", false)
	d.AddFeedback("node-s", "node-t", false)
	flag := d.AddFeedback("node-s", "node-t", false)
	assert.Nil(t, flag)
	assert.False(t, d.IsDiscounted("node-s", "node-t"))
}

func TestDominanceBelowRatioNotFlagged(t *testing.T) {
	d := NewSabotageDetector("node-a", DefaultSabotageConfig(), nil)

	d.AddFeedback("node-u", "node-t", true)
	d.AddFeedback("node-w", "node-t", false)
	d.AddFeedback("node-w", "node-t", false)
	flag := d.AddFeedback("node-s", "node-t", false)

	// node-s holds 1 of 3 negatives (33%), well under the ratio.
	assert.Nil(t, flag)
	assert.False(t, d.IsDiscounted("node-s", "node-t"))
}

func TestConfidenceCappedAtPointNine(t *testing.T) {
	d := NewSabotageDetector("node-a", DefaultSabotageConfig(), nil)

	d.AddFeedback("node-u", "node-t", true)
	var flag *SabotageFlag
	for i := 0; i < 3; i++ {
		flag = d.AddFeedback("node-s", "node-t", false)
	}
	require.NotNil(t, flag)
	assert.LessOrEqual(t, flag.Confidence, 0.9)
}

func TestKnownColluderIsDiscounted(t *testing.T) {
	d := NewSabotageDetector("node-a", DefaultSabotageConfig(), nil)
	d.MarkColluding("node-s")

	flag := d.AddFeedback("node-s", "node-t", false)
	require.NotNil(t, flag)
	assert.Contains(t, flag.Reasons, FlagCollusion)
	assert.Equal(t, 0.7, flag.Confidence)
}

func TestFlagsAgainstCountsSources(t *testing.T) {
	d := NewSabotageDetector("node-a", DefaultSabotageConfig(), nil)
	d.MarkColluding("node-s")
	d.AddFeedback("node-s", "node-t", false)
	d.AddFeedback("node-s", "node-v", false)

	assert.Equal(t, 2, d.FlagsAgainst("node-s"))
	assert.Equal(t, 0, d.FlagsAgainst("node-t"))
}
