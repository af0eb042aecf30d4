package risk

// Cooldown blocks position flips that come too soon after the previous one. Time is
// measured in bars, not wall clock, so replays behave like live runs.
type Cooldown struct {
	bars        int
	lastFlipBar int
	hasFlip     bool
}

// CooldownInfo explains a cooldown check
type CooldownInfo struct {
	CooldownBars  int  `json:"cooldown_bars"`
	LastFlipBar   int  `json:"last_flip_bar"`
	BarsSinceFlip int  `json:"bars_since_flip"`
	RemainingBars int  `json:"remaining_bars"`
	HasFlip       bool `json:"has_flip"`
}

// NewCooldown creates a cooldown of the given length; 0 disables it
func NewCooldown(bars int) *Cooldown {
	if bars < 0 {
		bars = 0
	}
	return &Cooldown{bars: bars}
}

// CanFlip reports whether a flip at bar is allowed
func (c *Cooldown) CanFlip(bar int) (bool, CooldownInfo) {
	info := CooldownInfo{CooldownBars: c.bars, LastFlipBar: c.lastFlipBar, HasFlip: c.hasFlip}
	if !c.hasFlip || c.bars == 0 {
		return true, info
	}
	info.BarsSinceFlip = bar - c.lastFlipBar
	if info.BarsSinceFlip >= c.bars {
		return true, info
	}
	info.RemainingBars = c.bars - info.BarsSinceFlip
	return false, info
}

// RecordFlip marks bar as the most recent flip
func (c *Cooldown) RecordFlip(bar int) {
	c.lastFlipBar = bar
	c.hasFlip = true
}

// isFlip reports whether moving from current to target changes the side of the book.
// Entering from flat counts; going flat never does.
func isFlip(current, target float64) bool {
	ts := signOf(target)
	return ts != 0 && ts != signOf(current)
}

func signOf(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}
