package alerts

import (
	"encoding/json"
	"fmt"
	"time"

	pebble "github.com/cockroachdb/pebble"
)

// Record is one error-level log entry kept for operators.
type Record struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}

const keyPrefix = "alert/"

// Store persists alert records in a pebble database, keyed by time.
type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open alert store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// recordKey sorts chronologically; seq breaks ties within a nanosecond.
func recordKey(ts time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d-%08d", keyPrefix, ts.UnixNano(), seq%100000000))
}

func (s *Store) put(rec Record, seq uint64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal alert record: %w", err)
	}
	return s.db.Set(recordKey(rec.Timestamp, seq), data, pebble.NoSync)
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var records []Record
	for iter.Last(); iter.Valid() && (limit <= 0 || len(records) < limit); iter.Prev() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue // Skip invalid records
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iteration error: %w", err)
	}
	return records, nil
}

// CleanupOldRecords removes records older than maxAge.
func (s *Store) CleanupOldRecords(maxAge time.Duration) error {
	cutoff := recordKey(time.Now().Add(-maxAge), 0)
	if err := s.db.DeleteRange([]byte(keyPrefix), cutoff, pebble.Sync); err != nil {
		return fmt.Errorf("failed to clean up alerts: %w", err)
	}
	return nil
}
