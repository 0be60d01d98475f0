package cache

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
)

func openDisk(t *testing.T, dir string, maxBytes int64, ttl time.Duration, clk *fakeClock) *DiskCache {
	t.Helper()
	d, err := NewDiskCache(dir, maxBytes, ttl)
	require.NoError(t, err)
	if clk != nil {
		d.now = clk.Now
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDiskCache_GetRespectsTTL(t *testing.T) {
	clk := newFakeClock()
	d := openDisk(t, t.TempDir(), 1<<20, time.Minute, clk)

	d.Put("u", "body", `"v1"`, "Mon, 01 Jan 2024 00:00:00 GMT")
	e, ok := d.Get("u")
	require.True(t, ok)
	assert.Equal(t, "body", e.Body)
	assert.Equal(t, "u", e.URL)
	assert.Equal(t, 200, e.StatusCode)
	assert.Equal(t, `"v1"`, e.ETag)
	assert.Equal(t, "Mon, 01 Jan 2024 00:00:00 GMT", e.LastModified)
	assert.False(t, e.IsOfflineFallback)

	clk.Advance(time.Minute)
	_, ok = d.Get("u")
	assert.False(t, ok)
}

func TestDiskCache_StaleReadIgnoresTTL(t *testing.T) {
	d := openDisk(t, t.TempDir(), 1<<20, time.Millisecond, nil)

	d.Put("u", "original", "", "")
	time.Sleep(5 * time.Millisecond)

	_, ok := d.Get("u")
	assert.False(t, ok, "get must never serve an expired entry")

	e, ok := d.GetStale("u")
	require.True(t, ok)
	assert.Equal(t, "original", e.Body)

	d.Invalidate("u")
	_, ok = d.GetStale("u")
	assert.False(t, ok)
}

func TestDiskCache_PutEntryKeepsStatus(t *testing.T) {
	d := openDisk(t, t.TempDir(), 1<<20, time.Hour, nil)
	d.PutEntry(&Entry{URL: "u", Body: "b", StatusCode: 203}, 0)

	e, ok := d.Get("u")
	require.True(t, ok)
	assert.Equal(t, 203, e.StatusCode)
}

func TestDiskCache_EvictsOldestWriteFirst(t *testing.T) {
	clk := newFakeClock()
	d := openDisk(t, t.TempDir(), 1<<20, time.Hour, clk)

	body := strings.Repeat("x", 1000)
	d.Put("a", body, "", "")
	clk.Advance(time.Second)
	d.Put("b", body, "", "")
	clk.Advance(time.Second)
	one := d.Size() / 2
	d.maxBytes = one*2 + one/2

	d.Put("c", body, "", "")

	_, ok := d.Get("a")
	assert.False(t, ok, "oldest write is evicted")
	_, ok = d.Get("b")
	assert.True(t, ok)
	_, ok = d.Get("c")
	assert.True(t, ok)
	assert.LessOrEqual(t, d.Size(), d.maxBytes)
	assert.Equal(t, uint64(1), d.Evictions())
}

func TestDiskCache_OverwriteRestartsWriteTime(t *testing.T) {
	clk := newFakeClock()
	d := openDisk(t, t.TempDir(), 1<<20, time.Hour, clk)

	body := strings.Repeat("y", 1000)
	d.Put("a", body, "", "")
	clk.Advance(time.Second)
	d.Put("b", body, "", "")
	clk.Advance(time.Second)
	d.Put("a", body, "", "")
	clk.Advance(time.Second)
	one := d.Size() / 2
	d.maxBytes = one*2 + one/2

	d.Put("c", body, "", "")
	_, ok := d.Get("b")
	assert.False(t, ok)
	_, ok = d.Get("a")
	assert.True(t, ok)
}

func TestDiskCache_DisabledWithZeroBudget(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "never")
	d := openDisk(t, dir, 0, time.Hour, nil)

	assert.False(t, d.Enabled())
	d.Put("u", "b", "", "")
	_, ok := d.Get("u")
	assert.False(t, ok)
	_, ok = d.GetStale("u")
	assert.False(t, ok)
	assert.Equal(t, int64(0), d.Size())
	assert.NoDirExists(t, dir)
}

func TestDiskCache_NilIsDisabled(t *testing.T) {
	var d *DiskCache
	assert.False(t, d.Enabled())
	d.Put("u", "b", "", "")
	d.Invalidate("u")
	_, ok := d.Get("u")
	assert.False(t, ok)
	assert.Equal(t, 0, d.Len())
	assert.NoError(t, d.Close())
}

func TestDiskCache_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDiskCache(dir, 1<<20, time.Hour)
	require.NoError(t, err)
	d.Put("a", "alpha", "e1", "")
	d.Put("b", "beta", "", "")
	size := d.Size()
	require.NoError(t, d.Close())

	d2 := openDisk(t, dir, 1<<20, time.Hour, nil)
	assert.Equal(t, size, d2.Size(), "byte accounting is rebuilt from metadata")
	assert.Equal(t, []string{"a", "b"}, d2.Keys())
	e, ok := d2.Get("a")
	require.True(t, ok)
	assert.Equal(t, "alpha", e.Body)
	assert.Equal(t, "e1", e.ETag)
}

func TestDiskCache_CorruptedEntryFailsClosed(t *testing.T) {
	dir := t.TempDir()
	d := openDisk(t, dir, 1<<20, time.Hour, nil)
	d.Put("good", "ok", "", "")
	d.Put("bad", "ok", "", "")

	require.NoError(t, d.db.Put(entryKey("bad"), []byte("not gob"), nil))

	_, ok := d.Get("bad")
	assert.False(t, ok)
	_, ok = d.GetStale("bad")
	assert.False(t, ok)
	assert.Equal(t, []string{"good"}, d.Keys(), "corrupted entry is dropped from the index")

	e, ok := d.Get("good")
	require.True(t, ok)
	assert.Equal(t, "ok", e.Body)
}

func TestDiskCache_UnreadableMetadataDroppedOnOpen(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDiskCache(dir, 1<<20, time.Hour)
	require.NoError(t, err)
	d.Put("a", "alpha", "", "")
	require.NoError(t, d.Close())

	db, err := leveldb.OpenFile(dir, nil)
	require.NoError(t, err)
	require.NoError(t, db.Put(metaKey("junk"), []byte("not gob at all"), nil))
	require.NoError(t, db.Close())

	d2 := openDisk(t, dir, 1<<20, time.Hour, nil)
	assert.Equal(t, []string{"a"}, d2.Keys())
}

func TestDiskCache_Clear(t *testing.T) {
	d := openDisk(t, t.TempDir(), 1<<20, time.Hour, nil)
	d.Put("a", "1", "", "")
	d.Put("b", "2", "", "")
	require.Positive(t, d.Size())

	d.Clear()
	assert.Equal(t, int64(0), d.Size())
	assert.Equal(t, 0, d.Len())
	_, ok := d.GetStale("a")
	assert.False(t, ok)
}

func TestDiskCache_ClosedReadsMiss(t *testing.T) {
	d, err := NewDiskCache(t.TempDir(), 1<<20, time.Hour)
	require.NoError(t, err)
	d.Put("a", "1", "", "")
	require.NoError(t, d.Close())

	_, ok := d.Get("a")
	assert.False(t, ok)
	d.Put("b", "2", "", "")
	assert.NoError(t, d.Close())
}
