// Package stats derives character power stats from levels and names
// the tier a level belongs to.
package stats

const (
	MinLevel = 1
	MaxLevel = 100
)

// Stats is the derived power block for a character at some level.
type Stats struct {
	HP    int `json:"hp"`
	Mana  int `json:"mana"`
	Speed int `json:"speed"`
}

// table holds the stats for levels 1..100. Index 0 is level 1.
// Each decade raises the per-level increment: +100 HP per level
// through level 10, +200 through 20, up to +1000 through 100.
// Mana is always HP/10 and Speed HP/100.
var table [MaxLevel]Stats

func init() {
	hp := 100
	table[0] = Stats{HP: hp, Mana: hp / 10, Speed: hp / 100}
	for level := 2; level <= MaxLevel; level++ {
		hp += 100 * ((level-1)/10 + 1)
		table[level-1] = Stats{HP: hp, Mana: hp / 10, Speed: hp / 100}
	}
}

// Derive returns the stats for a level, clamping out-of-range input
// to the valid band.
func Derive(level int) Stats {
	return table[ClampLevel(level)-1]
}

// ClampLevel forces a level into [MinLevel, MaxLevel].
func ClampLevel(level int) int {
	if level < MinLevel {
		return MinLevel
	}
	if level > MaxLevel {
		return MaxLevel
	}
	return level
}

// TierName returns the narrative rank for a level.
func TierName(level int) string {
	level = ClampLevel(level)
	switch {
	case level <= 10:
		return "The Student"
	case level <= 20:
		return "The Graduate"
	case level <= 30:
		return "The Elite"
	case level <= 40:
		return "The Master"
	case level <= 50:
		return "The High Master"
	case level <= 60:
		return "The Sage"
	case level <= 70:
		return "The Grand Sage"
	case level <= 80:
		return "The Legend"
	case level <= 90:
		return "The Calamity"
	case level <= 99:
		return "The Exceptional"
	default:
		return "The Transcendence"
	}
}
