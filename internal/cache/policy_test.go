package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"MINIMAL", LevelMinimal},
		{"balanced", LevelBalanced},
		{"  Aggressive\n", LevelAggressive},
		{"BaLaNcEd", LevelBalanced},
		{"", LevelMinimal},
		{"turbo", LevelMinimal},
		{"aggressive!", LevelMinimal},
		{"\x00\xff", LevelMinimal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "ParseLevel(%q)", tt.in)
	}
}

func TestForLevel(t *testing.T) {
	tests := []struct {
		level     Level
		entries   int
		diskBytes int64
		pageTTL   time.Duration
		searchTTL time.Duration
		prefetch  bool
		details   int
	}{
		{LevelMinimal, 50, 0, 5 * time.Minute, 2 * time.Minute, false, 0},
		{LevelBalanced, 200, 50 * 1024 * 1024, 30 * time.Minute, 10 * time.Minute, true, 0},
		{LevelAggressive, 500, 200 * 1024 * 1024, 2 * time.Hour, 30 * time.Minute, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			cfg := ForLevel(tt.level)
			assert.Equal(t, tt.level, cfg.Level)
			assert.Equal(t, tt.entries, cfg.MemoryMaxEntries)
			assert.Equal(t, tt.diskBytes, cfg.DiskMaxBytes)
			assert.Equal(t, tt.pageTTL, cfg.PageTTL)
			assert.Equal(t, tt.searchTTL, cfg.SearchTTL)
			assert.Equal(t, tt.prefetch, cfg.PrefetchEnabled())
			assert.Equal(t, tt.details, cfg.MaxDetailPrefetch())
			assert.Equal(t, tt.diskBytes > 0, cfg.DiskEnabled())
			assert.Equal(t, tt.pageTTL, cfg.TTL(KindPage))
			assert.Equal(t, tt.searchTTL, cfg.TTL(KindSearch))
		})
	}
}

func TestForLevel_UnknownValueIsMinimal(t *testing.T) {
	assert.Equal(t, ForLevel(LevelMinimal), ForLevel(Level(42)))
}

func TestLevel_YAML(t *testing.T) {
	var doc struct {
		Level Level `yaml:"level"`
	}
	assert.NoError(t, yaml.Unmarshal([]byte("level: Aggressive"), &doc))
	assert.Equal(t, LevelAggressive, doc.Level)

	assert.NoError(t, yaml.Unmarshal([]byte("level: nonsense"), &doc))
	assert.Equal(t, LevelMinimal, doc.Level)

	out, err := yaml.Marshal(doc)
	assert.NoError(t, err)
	assert.Equal(t, "level: minimal\n", string(out))
}
