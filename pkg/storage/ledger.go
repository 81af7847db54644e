// Package storage provides a tamper-evident, append-only JSON lines ledger
package storage

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrChainBroken is returned by Verify when an entry does not link to its predecessor
var ErrChainBroken = errors.New("ledger chain broken")

// Entry is one line of the ledger. Checksum covers Seq, PrevHash and Payload.
type Entry struct {
	Seq      uint64          `json:"seq"`
	PrevHash string          `json:"prevHash"`
	Payload  json.RawMessage `json:"payload"`
	Checksum string          `json:"checksum"`
}

func (e Entry) computeChecksum() string {
	h := sha256.New()
	fmt.Fprintf(h, "%d\n%s\n", e.Seq, e.PrevHash)
	h.Write(e.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Ledger appends JSON payloads to a file, chaining each entry to the previous
// one by checksum. It is safe for concurrent use within one process.
type Ledger struct {
	path string

	mu       sync.Mutex
	file     *os.File
	seq      uint64
	lastHash string
}

// OpenLedger opens or creates the ledger at path and resumes its chain
func OpenLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	entries, err := readEntries(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	l := &Ledger{path: path, file: f}
	if n := len(entries); n > 0 {
		l.seq = entries[n-1].Seq
		l.lastHash = entries[n-1].Checksum
	}
	return l, nil
}

// Append marshals payload and writes it as the next entry
func (l *Ledger) Append(payload any) (Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return Entry{}, os.ErrClosed
	}

	e := Entry{Seq: l.seq + 1, PrevHash: l.lastHash, Payload: raw}
	e.Checksum = e.computeChecksum()

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, err
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("write ledger entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return Entry{}, fmt.Errorf("sync ledger: %w", err)
	}

	l.seq = e.Seq
	l.lastHash = e.Checksum
	return e, nil
}

// LastHash returns the checksum of the newest entry, empty for a fresh ledger
func (l *Ledger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// Entries reads every entry back from disk
func (l *Ledger) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return readEntries(l.path)
}

// Verify walks the chain and reports the first entry that was altered,
// reordered or removed
func (l *Ledger) Verify() error {
	entries, err := l.Entries()
	if err != nil {
		return err
	}

	prev := ""
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			return fmt.Errorf("%w: entry %d has sequence %d", ErrChainBroken, i+1, e.Seq)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d does not link to its predecessor", ErrChainBroken, e.Seq)
		}
		if e.computeChecksum() != e.Checksum {
			return fmt.Errorf("%w: entry %d checksum mismatch", ErrChainBroken, e.Seq)
		}
		prev = e.Checksum
	}
	return nil
}

// Close releases the file. Further appends fail.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func readEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("%w: line %d is not a ledger entry", ErrChainBroken, line)
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}
