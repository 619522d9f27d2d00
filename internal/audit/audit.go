// Package audit provides an append-only record of every ACS dance status
// transition, keyed by a monotonically increasing sequence number.
//
// Two implementations are provided:
//   - memoryLog — in-memory only, used in tests and when no path is configured.
//   - boltLog   — embedded key-value store (bbolt), used in production.
//
// The interface is intentionally minimal: the Dancer appends one record per
// status transition, after releasing its own status lock, so Append calls
// may arrive from several goroutines; each implementation serializes them
// with its own mutex and Append is not internally batched.
package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Record is one ACS dance status transition.
type Record struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Node      string    `json:"node"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
}

// Log is the audit trail interface. All implementations must be safe for
// concurrent use: the Dancer calls Append after releasing its own status
// lock, so calls from different goroutines can overlap.
type Log interface {
	// Append records one transition and returns its assigned sequence number.
	Append(node, status, message string) (seq uint64, err error)

	// Recent returns up to n most-recently appended records, oldest first.
	Recent(n int) ([]Record, error)

	// Close releases any resources held by the log.
	Close() error
}

// Open returns a Log backed by a bbolt database at path, or an in-memory
// Log if path is empty. A bbolt open failure falls back to an in-memory
// log so a misconfigured audit path never prevents the server from
// starting.
func Open(path string) Log {
	if path == "" {
		return newMemoryLog()
	}
	l, err := newBoltLog(path)
	if err != nil {
		log.Printf("[AUDIT] Warning: could not open %s: %v (using in-memory log)", path, err)
		return newMemoryLog()
	}
	return l
}

// --- memoryLog ------------------------------------------------------------

type memoryLog struct {
	mu      sync.Mutex
	records []Record
	seq     uint64
}

func newMemoryLog() Log { return &memoryLog{} }

func (l *memoryLog) Append(node, status, message string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.records = append(l.records, Record{
		Seq: l.seq, Timestamp: time.Now(), Node: node, Status: status, Message: message,
	})
	return l.seq, nil
}

func (l *memoryLog) Recent(n int) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.records) {
		n = len(l.records)
	}
	start := len(l.records) - n
	out := make([]Record, n)
	copy(out, l.records[start:])
	return out, nil
}

func (l *memoryLog) Close() error { return nil }

// --- boltLog ----------------------------------------------------------------

const auditBucket = "dance_audit"

// boltLog is a Log backed by an embedded bbolt database. Keys are the
// sequence number encoded big-endian so bbolt's natural byte-order
// iteration visits records in append order.
type boltLog struct {
	db  *bolt.DB
	mu  sync.Mutex // guards seq; bbolt transactions serialize writes anyway
	seq uint64
}

func newBoltLog(path string) (Log, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt audit log %q: %w", path, err)
	}

	var last uint64
	if err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(auditBucket))
		if err != nil {
			return err
		}
		if k, _ := b.Cursor().Last(); k != nil {
			last = binary.BigEndian.Uint64(k)
		}
		return nil
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("init bbolt audit bucket: %w", err)
	}

	log.Printf("[AUDIT] dance audit log opened at %s (resuming from seq %d)", path, last)
	return &boltLog{db: db, seq: last}, nil
}

func (l *boltLog) Append(node, status, message string) (uint64, error) {
	l.mu.Lock()
	l.seq++
	seq := l.seq
	l.mu.Unlock()

	rec := Record{Seq: seq, Timestamp: time.Now(), Node: node, Status: status, Message: message}
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("marshal audit record: %w", err)
	}

	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)

	if err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(auditBucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", auditBucket)
		}
		return b.Put(key, data)
	}); err != nil {
		return 0, fmt.Errorf("write audit record: %w", err)
	}
	return seq, nil
}

func (l *boltLog) Recent(n int) ([]Record, error) {
	var out []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(auditBucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal audit record: %w", err)
			}
			out = append(out, rec)
			if n > 0 && len(out) >= n {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// out was collected newest-first; reverse to oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (l *boltLog) Close() error {
	return l.db.Close()
}
