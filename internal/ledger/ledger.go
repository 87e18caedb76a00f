// Package ledger implements the append-only, hash-chained evidence store.
//
// Appends are totally ordered through a single writer path to preserve the
// chain; reads operate on the immutable committed prefix and never block the
// writer. A storage failure halts appends rather than risking a gap in the
// chain. Committed records stay readable after a halt.
package ledger

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/model"
)

// ErrHalted is returned by Append once the ledger has entered the halted
// state. The condition is fatal for ingestion and never clears at runtime.
var ErrHalted = errors.New("evidence ledger halted")

// Ledger is the append-only evidence store.
type Ledger struct {
	logger *slog.Logger
	path   string

	mu       sync.RWMutex
	f        *os.File
	records  []model.EvidenceRecord
	lastHash string
	halted   atomic.Bool
}

// Open opens or creates the ledger file at path and rebuilds the chain state
// from committed records. A chain inconsistency found during load leaves the
// ledger readable but halted for appends.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger file %s: %w", path, err)
	}

	l := &Ledger{logger: logger, path: path, f: f}
	if err := l.load(); err != nil {
		l.halt("chain inconsistency on load", err)
	}
	if _, err := f.Seek(0, 2); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to seek ledger file: %w", err)
	}

	logger.Info("evidence ledger opened",
		"path", path,
		"records", len(l.records),
		"halted", l.halted.Load())
	return l, nil
}

// load replays the committed records and verifies linkage as it goes.
func (l *Ledger) load() error {
	scanner := bufio.NewScanner(l.f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	prevHash := ""
	var seq uint64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec model.EvidenceRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("record %d: malformed line: %w", seq+1, err)
		}
		seq++
		if rec.Sequence != seq {
			return fmt.Errorf("record %d: sequence gap, stored %d", seq, rec.Sequence)
		}
		if rec.PrevHash != prevHash {
			return fmt.Errorf("record %d: previous-hash mismatch", seq)
		}
		computed, err := computeHash(rec.Sequence, rec.Event, rec.PrevHash)
		if err != nil {
			return fmt.Errorf("record %d: %w", seq, err)
		}
		if computed != rec.Hash {
			return fmt.Errorf("record %d: stored hash does not match content", seq)
		}
		l.records = append(l.records, rec)
		prevHash = rec.Hash
		// Tracked per record so a partial load still reports the hash of the
		// newest record that did verify.
		l.lastHash = rec.Hash
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read ledger file: %w", err)
	}
	return nil
}

// Append commits one security event as the next evidence record. The write
// is synced to storage before the record becomes visible to readers.
func (l *Ledger) Append(ev model.SecurityEvent) (model.EvidenceRecord, error) {
	if l.halted.Load() {
		return model.EvidenceRecord{}, ErrHalted
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := uint64(len(l.records)) + 1
	hash, err := computeHash(seq, ev, l.lastHash)
	if err != nil {
		return model.EvidenceRecord{}, fmt.Errorf("failed to hash event: %w", err)
	}
	rec := model.EvidenceRecord{
		Sequence: seq,
		Event:    ev,
		PrevHash: l.lastHash,
		Hash:     hash,
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return model.EvidenceRecord{}, fmt.Errorf("failed to encode record: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.f.Write(line); err != nil {
		l.halt("storage write failed", err)
		return model.EvidenceRecord{}, fmt.Errorf("%w: %v", ErrHalted, err)
	}
	if err := l.f.Sync(); err != nil {
		l.halt("storage sync failed", err)
		return model.EvidenceRecord{}, fmt.Errorf("%w: %v", ErrHalted, err)
	}

	l.records = append(l.records, rec)
	l.lastHash = hash
	return rec, nil
}

// Verify re-reads the stored records and recomputes the hash chain over the
// inclusive sequence range, reporting whether it is intact. A zero `to` means
// the latest record. The check deliberately goes back to the file rather than
// the in-memory index: the durable store is what an attacker can touch while
// the service runs.
func (l *Ledger) Verify(from, to uint64) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	f, err := os.Open(l.path)
	if err != nil {
		return false, fmt.Errorf("failed to open ledger file %s: %w", l.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var records []model.EvidenceRecord
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec model.EvidenceRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A committed line that no longer parses is corruption.
			return false, nil
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("failed to read ledger file: %w", err)
	}

	last := uint64(len(records))
	if last == 0 {
		return true, nil
	}
	if from < 1 {
		from = 1
	}
	if to == 0 || to > last {
		to = last
	}
	if from > to {
		return false, fmt.Errorf("invalid range %d..%d", from, to)
	}

	prevHash := ""
	if from > 1 {
		prevHash = records[from-2].Hash
	}
	for seq := from; seq <= to; seq++ {
		rec := records[seq-1]
		if rec.Sequence != seq {
			return false, nil
		}
		if rec.PrevHash != prevHash {
			return false, nil
		}
		computed, err := computeHash(rec.Sequence, rec.Event, rec.PrevHash)
		if err != nil {
			return false, fmt.Errorf("record %d: %w", seq, err)
		}
		if computed != rec.Hash {
			return false, nil
		}
		prevHash = rec.Hash
	}
	return true, nil
}

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	Source string
	Kind   model.EventKind
	Since  time.Time
	Until  time.Time
}

// Query returns a lazy, restartable cursor over the committed prefix as it
// stood at call time. The cursor never blocks the writer.
func (l *Ledger) Query(filter Filter) *Cursor {
	return &Cursor{records: l.snapshot(), filter: filter}
}

// Cursor iterates matching evidence records. Safe for single-goroutine use.
type Cursor struct {
	records []model.EvidenceRecord
	filter  Filter
	pos     int
}

// Next returns the next matching record, or ok=false at the end.
func (c *Cursor) Next() (model.EvidenceRecord, bool) {
	for c.pos < len(c.records) {
		rec := c.records[c.pos]
		c.pos++
		if c.matches(rec) {
			return rec, true
		}
	}
	return model.EvidenceRecord{}, false
}

// Reset restarts the cursor at the beginning of its snapshot.
func (c *Cursor) Reset() {
	c.pos = 0
}

func (c *Cursor) matches(rec model.EvidenceRecord) bool {
	if c.filter.Source != "" && rec.Event.Source.Key() != c.filter.Source {
		return false
	}
	if c.filter.Kind != "" && rec.Event.Kind != c.filter.Kind {
		return false
	}
	if !c.filter.Since.IsZero() && rec.Event.Timestamp.Before(c.filter.Since) {
		return false
	}
	if !c.filter.Until.IsZero() && rec.Event.Timestamp.After(c.filter.Until) {
		return false
	}
	return true
}

// Len returns the number of committed records.
func (l *Ledger) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.records))
}

// LastHash returns the hash of the newest committed record.
func (l *Ledger) LastHash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastHash
}

// Halted reports whether the ledger has stopped accepting appends.
func (l *Ledger) Halted() bool {
	return l.halted.Load()
}

// Close releases the underlying file. Appends after Close fail.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.halted.Store(true)
	return l.f.Close()
}

// snapshot returns the committed prefix. The slice header is copied under the
// read lock; records themselves are immutable after commit.
func (l *Ledger) snapshot() []model.EvidenceRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.records[:len(l.records):len(l.records)]
}

func (l *Ledger) halt(reason string, err error) {
	l.halted.Store(true)
	l.logger.Error("evidence ledger halted, ingestion stops",
		"reason", reason, "error", err, "path", l.path)
}

// computeHash chains sha256 over (previous hash, sequence, canonical event
// JSON). Go's JSON encoder sorts map keys, so re-encoding a loaded record
// reproduces the committed bytes.
func computeHash(seq uint64, ev model.SecurityEvent, prevHash string) (string, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to encode event payload: %w", err)
	}
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)

	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(seqBytes[:])
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}
