package storage

import (
	"cmp"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Key identifies one prediction: a timestamp, a forecast window and a rack.
type Key struct {
	Timestamp string
	FW        int
	Rack      int
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%d|%d", k.Timestamp, k.FW, k.Rack)
}

// Timing is the per-stage latency of one prediction, in whole milliseconds.
type Timing struct {
	FW           int   `json:"FW"`
	FetchMS      int64 `json:"Data Fetch (ms)"`
	PreprocessMS int64 `json:"Preprocessing (ms)"`
	InferenceMS  int64 `json:"Inference (ms)"`
}

// Entry is one cached prediction of a rack.
type Entry struct {
	Timestamp  string    `json:"timestamp"`
	FW         int       `json:"fw"`
	Prediction []float64 `json:"prediction"`
}

// LatestTiming holds every timing recorded for a rack at its newest timestamp.
type LatestTiming struct {
	Rack      int      `json:"rack"`
	Timestamp string   `json:"timestamp"`
	Timings   []Timing `json:"timings"`
}

// Cache keeps the latest prediction and timing per Key.
// Writes take an exclusive lock and reads a shared one, so query handlers can
// read while the scheduler writes. Predictions are persisted through a Store;
// timings live only in memory.
type Cache struct {
	mu          sync.RWMutex
	predictions map[Key][]float64
	timings     map[Key]Timing
	rank        map[string]int
	updatedAt   time.Time
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		predictions: make(map[Key][]float64),
		timings:     make(map[Key]Timing),
	}
}

// LoadCache creates a cache holding the snapshot saved in store, or an empty
// cache when the store has nothing yet.
func LoadCache(ctx context.Context, store Store) (*Cache, error) {
	c := NewCache()
	snap, found, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load: %v", ErrPersistence, err)
	}
	if found {
		c.Restore(snap)
	}
	return c, nil
}

// SetSequence orders timestamps by their position in seq. Timestamps missing
// from seq sort before every member of it, see CompareTimestamps.
func (c *Cache) SetSequence(seq []string) {
	rank := make(map[string]int, len(seq))
	for i, ts := range seq {
		if _, ok := rank[ts]; !ok {
			rank[ts] = i
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rank = rank
}

// compare orders timestamps a and b. Callers hold c.mu.
func (c *Cache) compare(a, b string) int {
	ra, okA := c.rank[a]
	rb, okB := c.rank[b]
	switch {
	case okA && okB:
		return cmp.Compare(ra, rb)
	case okA:
		return 1
	case okB:
		return -1
	}
	return CompareTimestamps(a, b)
}

// CompareTimestamps orders two timestamp strings by value: integers
// numerically, RFC3339 times chronologically and anything else as text.
// Integers sort before times and times before text.
func CompareTimestamps(a, b string) int {
	ka, kb := timestampKind(a), timestampKind(b)
	if ka != kb {
		return cmp.Compare(ka, kb)
	}
	switch ka {
	case kindInt:
		x, _ := strconv.ParseInt(a, 10, 64)
		y, _ := strconv.ParseInt(b, 10, 64)
		return cmp.Compare(x, y)
	case kindTime:
		x, _ := time.Parse(time.RFC3339Nano, a)
		y, _ := time.Parse(time.RFC3339Nano, b)
		if c := x.Compare(y); c != 0 {
			return c
		}
	}
	return strings.Compare(a, b)
}

const (
	kindInt = iota
	kindTime
	kindText
)

func timestampKind(ts string) int {
	if _, err := strconv.ParseInt(ts, 10, 64); err == nil {
		return kindInt
	}
	if _, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return kindTime
	}
	return kindText
}

// Put stores scores for key, replacing any earlier value.
func (c *Cache) Put(key Key, scores []float64) {
	cp := append([]float64(nil), scores...)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.predictions[key] = cp
	c.updatedAt = time.Now()
}

// PutTiming stores the timing for key, replacing any earlier value.
func (c *Cache) PutTiming(key Key, t Timing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timings[key] = t
	c.updatedAt = time.Now()
}

// Get returns the scores stored for key.
func (c *Cache) Get(key Key) ([]float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.predictions[key]
	if !ok {
		return nil, false
	}
	return append([]float64(nil), v...), true
}

// ByRack returns the rack's predictions sorted by timestamp, then forecast window.
func (c *Cache) ByRack(rack int) ([]Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := make([]Entry, 0)
	for k, v := range c.predictions {
		if k.Rack != rack {
			continue
		}
		entries = append(entries, Entry{
			Timestamp:  k.Timestamp,
			FW:         k.FW,
			Prediction: append([]float64(nil), v...),
		})
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no predictions for rack %d", ErrNotFound, rack)
	}

	sort.Slice(entries, func(i, j int) bool {
		if o := c.compare(entries[i].Timestamp, entries[j].Timestamp); o != 0 {
			return o < 0
		}
		return entries[i].FW < entries[j].FW
	})
	return entries, nil
}

// Latest returns the rack's prediction with the newest timestamp for each
// forecast window, sorted by forecast window.
func (c *Cache) Latest(rack int) ([]Entry, error) {
	c.mu.RLock()
	newest := make(map[int]Entry)
	for k, v := range c.predictions {
		if k.Rack != rack {
			continue
		}
		if cur, ok := newest[k.FW]; ok && c.compare(cur.Timestamp, k.Timestamp) >= 0 {
			continue
		}
		newest[k.FW] = Entry{Timestamp: k.Timestamp, FW: k.FW, Prediction: v}
	}
	entries := make([]Entry, 0, len(newest))
	for _, e := range newest {
		e.Prediction = append([]float64(nil), e.Prediction...)
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no predictions for rack %d", ErrNotFound, rack)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].FW < entries[j].FW })
	return entries, nil
}

// LatestTiming returns the timings recorded at the rack's newest timestamp,
// sorted by forecast window.
func (c *Cache) LatestTiming(rack int) (LatestTiming, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		latest string
		found  bool
	)
	for k := range c.timings {
		if k.Rack == rack && (!found || c.compare(k.Timestamp, latest) > 0) {
			latest, found = k.Timestamp, true
		}
	}
	if !found {
		return LatestTiming{}, fmt.Errorf("%w: no timings for rack %d", ErrNotFound, rack)
	}

	out := LatestTiming{Rack: rack, Timestamp: latest}
	for k, t := range c.timings {
		if k.Rack == rack && k.Timestamp == latest {
			out.Timings = append(out.Timings, t)
		}
	}
	sort.Slice(out.Timings, func(i, j int) bool { return out.Timings[i].FW < out.Timings[j].FW })
	return out, nil
}

// Len returns the number of cached predictions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.predictions)
}

// UpdatedAt returns the time of the last write, or the zero time.
func (c *Cache) UpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updatedAt
}

// Snapshot exports every prediction in persisted form.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	snap := Snapshot{
		SavedAt: time.Now().UTC(),
		Records: make([]Record, 0, len(c.predictions)),
	}
	for k, v := range c.predictions {
		snap.Records = append(snap.Records, Record{
			Timestamp:  k.Timestamp,
			FW:         k.FW,
			Rack:       k.Rack,
			Prediction: append([]float64(nil), v...),
		})
	}
	c.mu.RUnlock()

	snap.Sort()
	return snap
}

// Restore replaces every prediction with the snapshot's records.
// Timings are left untouched.
func (c *Cache) Restore(snap Snapshot) {
	preds := make(map[Key][]float64, len(snap.Records))
	for _, r := range snap.Records {
		preds[Key{Timestamp: r.Timestamp, FW: r.FW, Rack: r.Rack}] = append([]float64(nil), r.Prediction...)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.predictions = preds
	if len(preds) > 0 {
		c.updatedAt = snap.SavedAt
	}
}

// Persist saves the full prediction mapping to store.
func (c *Cache) Persist(ctx context.Context, store Store) error {
	if err := store.Save(ctx, c.Snapshot()); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}
