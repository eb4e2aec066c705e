// Package audit keeps a tamper-evident SQLite record of gateway requests.
//
// Entries form a hash chain: each entry's hash covers its sequence number,
// timestamp, the previous entry's hash and the request record, so editing
// or deleting a row breaks verification of every later row.
package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/majorcontext/metaproxy/internal/log"
)

// FirstSequence is the sequence number of the first entry in a log.
// Sequences are 1-indexed to distinguish "no previous entry" (seq=0) from the first entry.
const FirstSequence uint64 = 1

// Record is one request as seen by the gateway.
type Record struct {
	Client     string `json:"client"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Proto      string `json:"proto"`
	Status     int    `json:"status"`
	Kind       string `json:"kind"`
	Container  string `json:"container,omitempty"`
	Role       string `json:"role,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Entry represents a single hash-chained log entry.
type Entry struct {
	Sequence  uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	PrevHash  string    `json:"prev"`
	Record    Record    `json:"record"`
	Hash      string    `json:"hash"`
	// recordJSON is the exact JSON that was hashed. Entries read back from
	// the store keep the stored bytes so verification sees what is on disk.
	recordJSON []byte
}

func newEntry(seq uint64, prevHash string, ts time.Time, rec Record) *Entry {
	recordJSON, err := json.Marshal(rec)
	if err != nil {
		log.Warn("failed to marshal audit record", "subsystem", "audit", "error", err)
		recordJSON = []byte("null")
	}
	e := &Entry{
		Sequence:   seq,
		Timestamp:  ts.UTC(),
		PrevHash:   prevHash,
		Record:     rec,
		recordJSON: recordJSON,
	}
	e.Hash = e.computeHash()
	return e
}

// computeHash calculates SHA-256(seq || ts || prev || record).
func (e *Entry) computeHash() string {
	h := sha256.New()

	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, e.Sequence)
	h.Write(seqBytes)

	h.Write([]byte(e.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(e.PrevHash))

	data := e.recordJSON
	if data == nil {
		var err error
		data, err = json.Marshal(e.Record)
		if err != nil {
			data = []byte("null")
		}
	}
	h.Write(data)

	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks if the entry's hash is valid.
func (e *Entry) Verify() bool {
	return e.Hash == e.computeHash()
}
