// Package ledger is the append-only audit trail (C15): a bbolt database
// recording every terminal routing decision reached by the quarantine
// store, vault processor, or scheduled scanner. It is additive, audit-only
// storage — it never gates a routing decision, and the JSON sidecars
// written alongside vaulted/quarantined payloads remain the sole
// authoritative record of a given file's fate.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fileward/fileward/internal/observability"
)

const (
	schemaVersion = "1"

	bucketLedger = "ledger"
	bucketMeta   = "meta"
)

// Decision is the tagged terminal outcome recorded for a path.
type Decision string

const (
	Quarantined         Decision = "Quarantined"
	Restored            Decision = "Restored"
	DuplicateSuppressed Decision = "DuplicateSuppressed"
	LeftInVault         Decision = "LeftInVault"
)

// Entry is a single audit record.
type Entry struct {
	Sequence  uint64    `json:"sequence"`
	Path      string    `json:"path"`
	Decision  Decision  `json:"decision"`
	RuleName  string    `json:"rule_name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Signature string    `json:"signature,omitempty"`
}

// Ledger wraps a bbolt database with typed accessors.
type Ledger struct {
	db            *bolt.DB
	retentionDays int
	metrics       *observability.Metrics
}

// SetMetrics attaches the Prometheus collectors Append and PruneOlderThan
// update. Left unattached, the ledger behaves identically; it just doesn't
// surface its activity on /metrics.
func (l *Ledger) SetMetrics(m *observability.Metrics) {
	l.metrics = m
}

// Open opens (or creates) the ledger database at path, creating buckets and
// recording the schema version if absent.
func Open(path string, retentionDays int) (*Ledger, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("ledger.Open(%q): %w", path, err)
	}

	l := &Ledger{db: bdb, retentionDays: retentionDays}

	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(schemaVersion))
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("ledger: init: %w", err)
	}

	return l, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Append writes entry within an Update transaction, assigning it the
// bucket's next sequence number. The timestamp is stamped if zero.
func (l *Ledger) Append(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	start := time.Now()
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry.Sequence = seq

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("ledger: marshal: %w", err)
		}
		return b.Put(sequenceKey(seq), data)
	})
	if l.metrics != nil {
		l.metrics.LedgerWriteLatency.Observe(time.Since(start).Seconds())
		if err == nil {
			l.metrics.LedgerEntries.Inc()
		}
	}
	return err
}

// AppendQuarantine is a convenience wrapper satisfying
// quarantine.LedgerAppender.
func (l *Ledger) AppendQuarantine(path string, matchedRules []string) error {
	rule := ""
	if len(matchedRules) > 0 {
		rule = matchedRules[0]
	}
	return l.Append(Entry{Path: path, Decision: Quarantined, RuleName: rule})
}

// AppendRestore records a restore decision.
func (l *Ledger) AppendRestore(path string) error {
	return l.Append(Entry{Path: path, Decision: Restored})
}

// AppendDuplicateSuppressed records a dedup-suppressed capture.
func (l *Ledger) AppendDuplicateSuppressed(path, signature string) error {
	return l.Append(Entry{Path: path, Decision: DuplicateSuppressed, Signature: signature})
}

// AppendLeftInVault records a file left in the vault for manual review
// after a scan engine error.
func (l *Ledger) AppendLeftInVault(path string) error {
	return l.Append(Entry{Path: path, Decision: LeftInVault})
}

// PruneOlderThan deletes entries older than days days and returns how many
// it deleted. Run on a daily ticker from the orchestrator with the
// configured retention.
func (l *Ledger) PruneOlderThan(days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	var deleted int
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()

		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.Timestamp.Before(cutoff) {
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				toDelete = append(toDelete, keyCopy)
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err == nil && l.metrics != nil && deleted > 0 {
		l.metrics.LedgerEntries.Sub(float64(deleted))
	}
	return deleted, err
}

// Read returns up to limit entries with timestamp >= since, in sequence
// order. Backs the operator socket's list-ledger command.
func (l *Ledger) Read(since time.Time, limit int) ([]Entry, error) {
	var entries []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.ForEach(func(_, v []byte) error {
			if limit > 0 && len(entries) >= limit {
				return nil
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.Timestamp.Before(since) {
				return nil
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
