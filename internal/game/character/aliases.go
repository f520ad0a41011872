package character

import (
	"math"
	"strconv"
	"strings"
)

// FallbackHP is the hit point value used when no HP alias matches.
const FallbackHP = 10

// AliasTable lists, in priority order, the attribute keys recognised for each stat.
type AliasTable struct {
	HP []string `mapstructure:"hp" yaml:"hp"`
	AC []string `mapstructure:"ac" yaml:"ac"`
}

// DefaultAliases is the alias table used when none is configured.
var DefaultAliases = AliasTable{
	HP: []string{"hp", "max_hp", "maxHp", "hit_points", "hitPoints", "HP"},
	AC: []string{"ac", "armor_class", "armorClass", "AC"},
}

// Stats is the combat-relevant subset of a character's attributes.
type Stats struct {
	MaxHP      int
	ArmorClass *int
	// HPFromFallback is true when no HP alias matched.
	HPFromFallback bool
}

// Resolve reads HP and AC from c's attributes using the table's aliases.
// The first alias whose value is numeric wins. Maps are searched for "max",
// then "value", then "current" (e.g. {hp: {current: 7, max: 12}} yields 12).
//
// Postcondition: MaxHP >= 0; ArmorClass is nil when no AC alias matched.
func (t AliasTable) Resolve(c *Character) Stats {
	out := Stats{MaxHP: FallbackHP, HPFromFallback: true}
	if c == nil {
		return out
	}
	if hp, ok := lookup(c.Attributes, t.HP); ok {
		if hp < 0 {
			hp = 0
		}
		out.MaxHP = hp
		out.HPFromFallback = false
	}
	if ac, ok := lookup(c.Attributes, t.AC); ok {
		out.ArmorClass = &ac
	}
	return out
}

// WithDefaults fills any empty alias list from DefaultAliases.
func (t AliasTable) WithDefaults() AliasTable {
	if len(t.HP) == 0 {
		t.HP = DefaultAliases.HP
	}
	if len(t.AC) == 0 {
		t.AC = DefaultAliases.AC
	}
	return t
}

func lookup(attrs map[string]any, aliases []string) (int, bool) {
	for _, key := range aliases {
		v, ok := attrs[key]
		if !ok {
			continue
		}
		if n, ok := toInt(v); ok {
			return n, true
		}
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		if n < math.MinInt || n > math.MaxInt {
			return 0, false
		}
		return int(n), true
	case uint:
		if uint64(n) > math.MaxInt {
			return 0, false
		}
		return int(n), true
	case uint64:
		if n > math.MaxInt {
			return 0, false
		}
		return int(n), true
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.Atoi(s); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return floatToInt(f)
		}
		return 0, false
	case map[string]any:
		for _, key := range []string{"max", "value", "current"} {
			if inner, ok := n[key]; ok {
				if i, ok := toInt(inner); ok {
					return i, true
				}
			}
		}
		return 0, false
	default:
		return 0, false
	}
}

// floatToInt rounds f, rejecting values an int cannot hold.
func floatToInt(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	r := math.Round(f)
	// float64(math.MaxInt) rounds up to 2^63 on 64-bit platforms.
	if r >= float64(math.MaxInt) || r < float64(math.MinInt) {
		return 0, false
	}
	return int(r), true
}
