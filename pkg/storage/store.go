// Package storage holds the prediction cache and the backends it is persisted to.
package storage

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned by cache queries that match nothing.
	ErrNotFound = errors.New("storage: not found")

	// ErrPersistence wraps every failure to save or load a snapshot.
	ErrPersistence = errors.New("storage: persistence failed")
)

// Record is one persisted prediction.
type Record struct {
	Timestamp  string    `json:"timestamp"`
	FW         int       `json:"fw"`
	Rack       int       `json:"rack"`
	Prediction []float64 `json:"prediction"`
}

// Snapshot is the durable form of the prediction cache.
// Records are sorted by (rack, timestamp, fw) so equal caches serialize identically.
type Snapshot struct {
	SavedAt time.Time `json:"savedAt"`
	Records []Record  `json:"records"`
}

// Sort orders the records by (rack, timestamp, fw).
func (s *Snapshot) Sort() {
	sort.Slice(s.Records, func(i, j int) bool {
		a, b := s.Records[i], s.Records[j]
		if a.Rack != b.Rack {
			return a.Rack < b.Rack
		}
		if c := CompareTimestamps(a.Timestamp, b.Timestamp); c != 0 {
			return c < 0
		}
		return a.FW < b.FW
	})
}

// Store persists cache snapshots. Save replaces whatever was stored before.
// Load reports found=false when nothing has been saved yet.
type Store interface {
	Save(ctx context.Context, snapshot Snapshot) error
	Load(ctx context.Context) (Snapshot, bool, error)
	Close() error
}
