package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStore_OpenClose(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "audit.db")

	store, err := OpenStore(dbPath)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	// Verify file was created
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("Database file not created: %v", err)
	}
}

func TestStore_Append_ChainedEntries(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	e1, err := store.Append(time.Now(), testRecord)
	if err != nil {
		t.Fatalf("Append e1: %v", err)
	}
	e2, err := store.Append(time.Now(), testRecord)
	if err != nil {
		t.Fatalf("Append e2: %v", err)
	}

	if e1.Sequence != FirstSequence {
		t.Errorf("e1.Sequence = %d, want %d", e1.Sequence, FirstSequence)
	}
	if e2.PrevHash != e1.Hash {
		t.Errorf("e2.PrevHash = %s, want %s", e2.PrevHash, e1.Hash)
	}

	got, err := store.Get(2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Hash != e2.Hash || got.Record != testRecord {
		t.Errorf("Get(2) = %+v, want %+v", got, e2)
	}
	if !got.Verify() {
		t.Error("entry read back from the store should verify")
	}

	if _, err := store.Get(99); err != ErrNotFound {
		t.Errorf("Get(99) error = %v, want ErrNotFound", err)
	}
}

func TestStore_PersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "audit.db")

	// First session: create entries
	store1, err := OpenStore(dbPath)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if _, err := store1.Append(time.Now(), testRecord); err != nil {
		t.Fatalf("Append: %v", err)
	}
	e2, err := store1.Append(time.Now(), testRecord)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	store1.Close()

	// Second session: reopen and continue chain
	store2, err := OpenStore(dbPath)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer store2.Close()

	e3, err := store2.Append(time.Now(), testRecord)
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if e3.Sequence != 3 {
		t.Errorf("e3.Sequence = %d, want 3", e3.Sequence)
	}
	if e3.PrevHash != e2.Hash {
		t.Errorf("e3.PrevHash = %s, want %s (chain broken)", e3.PrevHash, e2.Hash)
	}
}

func TestStore_RecentAndRange(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	for _, role := range []string{"a", "b", "a", "c", "a"} {
		rec := testRecord
		rec.Role = role
		if _, err := store.Append(time.Now(), rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recent, err := store.Recent(2, "")
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Sequence != 4 || recent[1].Sequence != 5 {
		t.Errorf("Recent(2) returned wrong entries: %+v", recent)
	}

	onlyA, err := store.Recent(10, "a")
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(onlyA) != 3 {
		t.Errorf("Recent(10, a) = %d entries, want 3", len(onlyA))
	}

	rng, err := store.Range(2, 3)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(rng) != 2 || rng[0].Record.Role != "b" {
		t.Errorf("Range(2,3) returned wrong entries: %+v", rng)
	}

	count, err := store.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 5 {
		t.Errorf("Count = %d, want 5", count)
	}
}

func TestStore_VerifyChain(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	for range 3 {
		if _, err := store.Append(time.Now(), testRecord); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	result, err := store.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !result.Valid || result.EntryCount != 3 {
		t.Fatalf("VerifyChain = %+v, want valid with 3 entries", result)
	}

	if _, err := store.db.Exec(`UPDATE requests SET data = ? WHERE seq = 2`,
		`{"client":"10.0.0.9","method":"GET","path":"/","proto":"HTTP/1.1","status":200,"kind":"passthrough","duration_ms":0}`); err != nil {
		t.Fatalf("tampering: %v", err)
	}

	result, err = store.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if result.Valid {
		t.Error("VerifyChain should detect a modified record")
	}
}

func TestStore_VerifyChainDetectsDeletion(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	for range 3 {
		if _, err := store.Append(time.Now(), testRecord); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if _, err := store.db.Exec(`DELETE FROM requests WHERE seq = 2`); err != nil {
		t.Fatalf("deleting: %v", err)
	}

	result, err := store.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if result.Valid {
		t.Error("VerifyChain should detect a missing entry")
	}
}

func TestWriter_DrainsOnClose(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	w := NewWriter(store, 100)
	for range 10 {
		w.Write(time.Now(), testRecord)
	}
	w.Close()
	w.Write(time.Now(), testRecord) // ignored after Close

	count, err := store.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 10 {
		t.Errorf("Count = %d, want 10", count)
	}
	if w.Dropped() != 0 {
		t.Errorf("Dropped = %d, want 0", w.Dropped())
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	return store
}
