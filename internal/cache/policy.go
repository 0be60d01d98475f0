package cache

import (
	"strings"
	"time"
)

// Level is an operator-selected caching profile, ordered from least to most
// aggressive.
type Level int

const (
	LevelMinimal Level = iota
	LevelBalanced
	LevelAggressive
)

// Levels lists every level from least to most aggressive.
var Levels = []Level{LevelMinimal, LevelBalanced, LevelAggressive}

func (l Level) String() string {
	switch l {
	case LevelBalanced:
		return "BALANCED"
	case LevelAggressive:
		return "AGGRESSIVE"
	default:
		return "MINIMAL"
	}
}

// ParseLevel resolves a persisted level name. It never fails: unknown names
// resolve to LevelMinimal.
func ParseLevel(name string) Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "BALANCED":
		return LevelBalanced
	case "AGGRESSIVE":
		return LevelAggressive
	default:
		return LevelMinimal
	}
}

// UnmarshalText lets levels be read straight from YAML config.
func (l *Level) UnmarshalText(b []byte) error {
	*l = ParseLevel(string(b))
	return nil
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(l.String())), nil
}

// Config is the resolved numeric policy of a Level.
type Config struct {
	Level            Level
	MemoryMaxEntries int
	DiskMaxBytes     int64 // 0 disables the disk tier
	PageTTL          time.Duration
	SearchTTL        time.Duration
}

const mib = 1024 * 1024

// ForLevel returns the policy constants for l. These bindings are the single
// source of truth for capacities and TTLs.
func ForLevel(l Level) Config {
	switch l {
	case LevelBalanced:
		return Config{
			Level:            LevelBalanced,
			MemoryMaxEntries: 200,
			DiskMaxBytes:     50 * mib,
			PageTTL:          30 * time.Minute,
			SearchTTL:        10 * time.Minute,
		}
	case LevelAggressive:
		return Config{
			Level:            LevelAggressive,
			MemoryMaxEntries: 500,
			DiskMaxBytes:     200 * mib,
			PageTTL:          2 * time.Hour,
			SearchTTL:        30 * time.Minute,
		}
	default:
		return Config{
			Level:            LevelMinimal,
			MemoryMaxEntries: 50,
			DiskMaxBytes:     0,
			PageTTL:          5 * time.Minute,
			SearchTTL:        2 * time.Minute,
		}
	}
}

// DiskEnabled reports whether the level keeps a persisted tier.
func (c Config) DiskEnabled() bool { return c.DiskMaxBytes > 0 }

// TTL returns the policy TTL for a lookup kind.
func (c Config) TTL(k Kind) time.Duration {
	if k == KindSearch {
		return c.SearchTTL
	}
	return c.PageTTL
}

// PrefetchEnabled is false only for the least aggressive level.
func (c Config) PrefetchEnabled() bool { return c.Level != LevelMinimal }

// MaxDetailPrefetch bounds speculative detail-page fetches per listing page.
func (c Config) MaxDetailPrefetch() int {
	if c.Level == LevelAggressive {
		return 3
	}
	return 0
}
