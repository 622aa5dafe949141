package alerts

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Hook copies error-level log entries into a Store. Fire never blocks:
// entries that do not fit in the buffer are dropped and counted.
type Hook struct {
	store   *Store
	entries chan Record
	dropped atomic.Uint64
	seq     atomic.Uint64
	wg      sync.WaitGroup

	mu     sync.RWMutex // guards closed and the send on entries
	closed bool
}

func NewHook(store *Store, buffer int) *Hook {
	if buffer <= 0 {
		buffer = 256
	}
	h := &Hook{store: store, entries: make(chan Record, buffer)}
	h.wg.Add(1)
	go h.run()
	return h
}

func (h *Hook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}
}

func (h *Hook) Fire(entry *logrus.Entry) error {
	rec := Record{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	if len(entry.Data) > 0 {
		rec.Fields = make(map[string]string, len(entry.Data))
		for k, v := range entry.Data {
			rec.Fields[k] = fmt.Sprint(v)
		}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil
	}
	select {
	case h.entries <- rec:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// Dropped reports how many entries were discarded because the buffer was full.
func (h *Hook) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hook) run() {
	defer h.wg.Done()
	for rec := range h.entries {
		// Writing through logrus here would re-enter the hook.
		_ = h.store.put(rec, h.seq.Add(1))
	}
}

// Close drains pending entries. Later entries are ignored. It does not
// close the store.
func (h *Hook) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.entries)
	h.mu.Unlock()
	h.wg.Wait()
}
