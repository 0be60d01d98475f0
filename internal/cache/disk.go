package cache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("cache: store closed")

var (
	entryPrefix = []byte("e:")
	metaPrefix  = []byte("m:")
)

type diskRecord struct {
	Body         string
	StatusCode   int
	ETag         string
	LastModified string
	StoredAt     int64 // unix nanoseconds
	ExpiresAt    int64 // unix nanoseconds, 0 = never
}

type diskMeta struct {
	Size      int64
	StoredAt  int64
	ExpiresAt int64
}

// DiskCache is a byte-budgeted, TTL-expiring store persisted in a leveldb
// database. It is best-effort: storage failures read as misses and writes
// that fail are dropped.
type DiskCache struct {
	maxBytes   int64
	defaultTTL time.Duration
	log        *zap.Logger
	now        func() time.Time

	mu        sync.Mutex
	db        *leveldb.DB
	index     map[string]diskMeta
	totalSize int64
	evictions uint64
}

type DiskOption func(*DiskCache)

func WithDiskLogger(l *zap.Logger) DiskOption {
	return func(d *DiskCache) {
		if l != nil {
			d.log = l
		}
	}
}

// NewDiskCache opens (or creates) the store rooted at dir. With maxBytes == 0
// the tier is disabled: nothing is opened, puts are dropped and gets miss.
func NewDiskCache(dir string, maxBytes int64, defaultTTL time.Duration, opts ...DiskOption) (*DiskCache, error) {
	d := &DiskCache{
		maxBytes:   maxBytes,
		defaultTTL: defaultTTL,
		log:        zap.NewNop(),
		now:        time.Now,
		index:      map[string]diskMeta{},
	}
	for _, o := range opts {
		o(d)
	}
	if maxBytes <= 0 {
		d.maxBytes = 0
		return d, nil
	}

	db, err := leveldb.OpenFile(dir, nil)
	if lerrors.IsCorrupted(err) {
		d.log.Warn("disk cache corrupted, recovering", zap.String("dir", dir), zap.Error(err))
		db, err = leveldb.RecoverFile(dir, nil)
	}
	if err != nil {
		return nil, err
	}
	d.db = db
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// Enabled reports whether the tier persists anything at all.
func (d *DiskCache) Enabled() bool {
	return d != nil && d.maxBytes > 0
}

func (d *DiskCache) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix(metaPrefix), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	var broken []string
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), metaPrefix))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			broken = append(broken, key)
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	for _, key := range broken {
		d.log.Debug("dropping unreadable disk metadata", zap.String("key", key))
		_ = d.db.Write(deleteBatch(key), nil)
	}

	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

// Get returns the entry only if it is present and not expired.
func (d *DiskCache) Get(key string) (*Entry, bool) {
	rec, ok := d.read(key)
	if !ok {
		return nil, false
	}
	if rec.ExpiresAt != 0 && d.now().UnixNano() >= rec.ExpiresAt {
		return nil, false
	}
	return rec.entry(key), true
}

// GetStale returns the entry regardless of expiry. It is the offline
// fallback path and misses only for keys never stored, evicted or
// invalidated.
func (d *DiskCache) GetStale(key string) (*Entry, bool) {
	rec, ok := d.read(key)
	if !ok {
		return nil, false
	}
	return rec.entry(key), true
}

func (d *DiskCache) read(key string) (diskRecord, bool) {
	if !d.Enabled() {
		return diskRecord{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return diskRecord{}, false
	}

	b, err := d.db.Get(entryKey(key), nil)
	if err != nil {
		if !errors.Is(err, leveldb.ErrNotFound) {
			d.log.Debug("disk cache read failed", zap.String("key", key), zap.Error(err))
		}
		return diskRecord{}, false
	}
	var rec diskRecord
	if err := decodeGob(b, &rec); err != nil {
		d.log.Warn("dropping corrupted disk entry", zap.String("key", key), zap.Error(err))
		d.deleteLocked(key)
		return diskRecord{}, false
	}
	return rec, true
}

// Put persists body under key with the default TTL.
func (d *DiskCache) Put(key, body, etag, lastModified string) {
	d.PutTTL(key, body, etag, lastModified, 0)
}

// PutTTL persists body under key, expiring after ttl (non-positive means the
// default TTL). The oldest writes are evicted until the store fits maxBytes.
func (d *DiskCache) PutTTL(key, body, etag, lastModified string, ttl time.Duration) {
	d.store(key, diskRecord{
		Body:         body,
		StatusCode:   200,
		ETag:         etag,
		LastModified: lastModified,
	}, ttl)
}

// PutEntry persists e under its URL, keeping its status code.
func (d *DiskCache) PutEntry(e *Entry, ttl time.Duration) {
	if e == nil {
		return
	}
	d.store(e.URL, diskRecord{
		Body:         e.Body,
		StatusCode:   e.StatusCode,
		ETag:         e.ETag,
		LastModified: e.LastModified,
	}, ttl)
}

func (d *DiskCache) store(key string, rec diskRecord, ttl time.Duration) {
	if !d.Enabled() {
		return
	}
	if ttl <= 0 {
		ttl = d.defaultTTL
	}
	now := d.now().UnixNano()
	rec.StoredAt = now
	if ttl > 0 {
		rec.ExpiresAt = now + int64(ttl)
	}
	eb, err := encodeGob(rec)
	if err != nil {
		return
	}
	meta := diskMeta{
		Size:      int64(len(eb) + len(key)),
		StoredAt:  rec.StoredAt,
		ExpiresAt: rec.ExpiresAt,
	}
	mb, err := encodeGob(meta)
	if err != nil {
		return
	}
	meta.Size += int64(len(mb))

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return
	}

	batch := new(leveldb.Batch)
	batch.Put(entryKey(key), eb)
	batch.Put(metaKey(key), mb)
	if err := d.db.Write(batch, nil); err != nil {
		d.log.Warn("disk cache write dropped", zap.String("key", key), zap.Error(err))
		return
	}

	if old, ok := d.index[key]; ok {
		d.totalSize -= old.Size
	}
	d.index[key] = meta
	d.totalSize += meta.Size

	if d.totalSize > d.maxBytes {
		d.evictLocked()
	}
}

// evictLocked drops entries, oldest write first, until the store fits.
func (d *DiskCache) evictLocked() {
	type item struct {
		key string
		m   diskMeta
	}
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		items = append(items, item{k, m})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].m.StoredAt == items[j].m.StoredAt {
			return items[i].key < items[j].key
		}
		return items[i].m.StoredAt < items[j].m.StoredAt
	})

	for _, it := range items {
		if d.totalSize <= d.maxBytes {
			return
		}
		d.deleteLocked(it.key)
		d.evictions++
	}
}

func (d *DiskCache) Invalidate(key string) {
	if !d.Enabled() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return
	}
	d.deleteLocked(key)
}

func (d *DiskCache) deleteLocked(key string) {
	if err := d.db.Write(deleteBatch(key), nil); err != nil {
		d.log.Warn("disk cache delete failed", zap.String("key", key), zap.Error(err))
	}
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, key)
	}
}

// Size returns the approximate persisted footprint in bytes.
func (d *DiskCache) Size() int64 {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *DiskCache) Len() int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

func (d *DiskCache) Keys() []string {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.index))
	for k := range d.index {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (d *DiskCache) Evictions() uint64 {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.evictions
}

// Clear removes every persisted entry and resets the size accounting.
func (d *DiskCache) Clear() {
	if !d.Enabled() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return
	}

	batch := new(leveldb.Batch)
	it := d.db.NewIterator(nil, nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		d.log.Warn("disk cache clear iteration failed", zap.Error(err))
	}
	if err := d.db.Write(batch, nil); err != nil {
		d.log.Warn("disk cache clear failed", zap.Error(err))
	}
	d.index = map[string]diskMeta{}
	d.totalSize = 0
}

func (d *DiskCache) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

func (r diskRecord) entry(key string) *Entry {
	status := r.StatusCode
	if status == 0 {
		status = 200
	}
	return &Entry{
		Body:         r.Body,
		URL:          key,
		StatusCode:   status,
		ETag:         r.ETag,
		LastModified: r.LastModified,
	}
}

func entryKey(key string) []byte { return append(append([]byte(nil), entryPrefix...), key...) }
func metaKey(key string) []byte  { return append(append([]byte(nil), metaPrefix...), key...) }

func deleteBatch(key string) *leveldb.Batch {
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(key))
	batch.Delete(metaKey(key))
	return batch
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
