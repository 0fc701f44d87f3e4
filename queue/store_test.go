package queue

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/migadu/herald/consts"
	"github.com/migadu/herald/mail"
)

func testMessage(t *testing.T) *mail.Message {
	t.Helper()
	raw := []byte("From: alice@example.com\r\n" +
		"To: announce@example.com\r\n" +
		"Subject: hello\r\n" +
		"Message-Id: <m1@example.com>\r\n" +
		"\r\n" +
		"body text\r\n")
	msg, err := mail.Parse(raw)
	if err != nil {
		t.Fatalf("Failed to parse test message: %v", err)
	}
	return msg
}

func TestNewStore(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	for _, q := range consts.AllQueues {
		if _, err := os.Stat(filepath.Join(root, q, "staging")); err != nil {
			t.Errorf("Queue directory %s/staging not created: %v", q, err)
		}
	}

	if _, err := NewStore(""); err == nil {
		t.Error("Expected error for empty root path")
	}
	if store.Root() != root {
		t.Errorf("Root() = %q, want %q", store.Root(), root)
	}
}

func TestEnqueueDequeueFinish(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	msg := testMessage(t)
	meta := mail.NewMetadata("announce", "alice@example.com")
	id, err := store.Enqueue(consts.QueueIncoming, msg, meta)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if !id.Valid() {
		t.Fatalf("Enqueue returned invalid ID %q", id)
	}

	ready, err := store.ListReady(consts.QueueIncoming, 0, 1)
	if err != nil {
		t.Fatalf("ListReady failed: %v", err)
	}
	if len(ready) != 1 || ready[0] != id {
		t.Fatalf("Expected [%s] ready, got %v", id, ready)
	}

	gotMsg, gotMeta, err := store.Dequeue(consts.QueueIncoming, id)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if gotMeta.List() != "announce" {
		t.Errorf("Expected list annotation to survive, got %q", gotMeta.List())
	}
	if gotMsg.Subject() != "hello" {
		t.Errorf("Expected subject to survive, got %q", gotMsg.Subject())
	}
	if string(gotMsg.Body()) != "body text\r\n" {
		t.Errorf("Body not preserved: %q", gotMsg.Body())
	}

	// Claimed entries leave the ready set.
	ready, err = store.ListReady(consts.QueueIncoming, 0, 1)
	if err != nil {
		t.Fatalf("ListReady failed: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("Expected empty ready set after claim, got %v", ready)
	}

	if err := store.Finish(consts.QueueIncoming, id); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	readyCount, staged, err := store.Stats(consts.QueueIncoming)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if readyCount != 0 || staged != 0 {
		t.Errorf("Expected empty queue after finish, got ready=%d staged=%d", readyCount, staged)
	}
}

func TestDequeueClaimRace(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	id, err := store.Enqueue(consts.QueueIncoming, testMessage(t), mail.NewMetadata("announce", ""))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, _, err := store.Dequeue(consts.QueueIncoming, id); err != nil {
		t.Fatalf("First claim failed: %v", err)
	}

	// A second claim of the same entry loses the rename race.
	_, _, err = store.Dequeue(consts.QueueIncoming, id)
	if !errors.Is(err, consts.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound on second claim, got %v", err)
	}
}

func TestDequeueUnknownQueue(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	_, _, err = store.Dequeue("nonexistent", NewEntryID("announce"))
	if !errors.Is(err, consts.ErrQueueUnknown) {
		t.Fatalf("Expected ErrQueueUnknown, got %v", err)
	}
}

func TestRequeueKeepsIdentity(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	id, err := store.Enqueue(consts.QueueIncoming, testMessage(t), mail.NewMetadata("announce", "alice@example.com"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	msg, meta, err := store.Dequeue(consts.QueueIncoming, id)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	meta.MarkHandlerDone("cleanse")
	if err := store.Requeue(consts.QueueIncoming, id, msg, meta, consts.QueueOutgoing); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}

	// The staged original is gone and the target holds the same ID.
	if _, err := os.Stat(filepath.Join(root, consts.QueueIncoming, "staging", string(id)+".rec")); !os.IsNotExist(err) {
		t.Error("Staged original still present after requeue")
	}
	ready, err := store.ListReady(consts.QueueOutgoing, 0, 1)
	if err != nil {
		t.Fatalf("ListReady failed: %v", err)
	}
	if len(ready) != 1 || ready[0] != id {
		t.Fatalf("Expected entry %s in outgoing, got %v", id, ready)
	}

	// Mutated metadata travels with the entry.
	_, gotMeta, err := store.Dequeue(consts.QueueOutgoing, id)
	if err != nil {
		t.Fatalf("Dequeue from outgoing failed: %v", err)
	}
	if !gotMeta.HandlerDone("cleanse") {
		t.Error("Handler completion marker lost across requeue")
	}
}

func TestListReadyHonorsNotBefore(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	futureMeta := mail.NewMetadata("announce", "")
	futureMeta.SetTime(mail.KeyNotBefore, time.Now().Add(time.Hour))
	if _, err := store.Enqueue(consts.QueueIncoming, testMessage(t), futureMeta); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	pastMeta := mail.NewMetadata("announce", "")
	pastMeta.SetTime(mail.KeyNotBefore, time.Now().Add(-time.Hour))
	pastID, err := store.Enqueue(consts.QueueIncoming, testMessage(t), pastMeta)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ready, err := store.ListReady(consts.QueueIncoming, 0, 1)
	if err != nil {
		t.Fatalf("ListReady failed: %v", err)
	}
	if len(ready) != 1 || ready[0] != pastID {
		t.Fatalf("Expected only the past-due entry, got %v", ready)
	}
}

func TestListReadyShardFilter(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	const shardCount = 2
	lists := []string{"announce", "devel", "users", "security", "jobs"}
	want := make(map[int]int)
	for _, list := range lists {
		if _, err := store.Enqueue(consts.QueueIncoming, testMessage(t), mail.NewMetadata(list, "")); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		want[int(ShardHash(list)%shardCount)]++
	}

	total := 0
	for index := 0; index < shardCount; index++ {
		ready, err := store.ListReady(consts.QueueIncoming, index, shardCount)
		if err != nil {
			t.Fatalf("ListReady shard %d failed: %v", index, err)
		}
		if len(ready) != want[index] {
			t.Errorf("Shard %d: got %d entries, want %d", index, len(ready), want[index])
		}
		total += len(ready)
	}
	if total != len(lists) {
		t.Errorf("Shards cover %d entries, want %d", total, len(lists))
	}
}

func TestCorruptRecordQuarantined(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	id, err := store.Enqueue(consts.QueueIncoming, testMessage(t), mail.NewMetadata("announce", ""))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Tamper with the record on disk.
	path := filepath.Join(root, consts.QueueIncoming, string(id)+".rec")
	if err := os.WriteFile(path, []byte("not json"), 0644); err != nil {
		t.Fatalf("Failed to tamper with record: %v", err)
	}

	_, _, err = store.Dequeue(consts.QueueIncoming, id)
	if !errors.Is(err, consts.ErrCorrupt) {
		t.Fatalf("Expected ErrCorrupt, got %v", err)
	}

	// The record moved to the shunt queue under a .bad suffix.
	bad := filepath.Join(root, consts.QueueShunt, string(id)+".bad")
	if _, err := os.Stat(bad); err != nil {
		t.Errorf("Corrupt record not quarantined at %s: %v", bad, err)
	}
}

func TestChecksumMismatchIsCorrupt(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	id, err := store.Enqueue(consts.QueueIncoming, testMessage(t), mail.NewMetadata("announce", ""))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Valid JSON envelope, wrong checksum.
	path := filepath.Join(root, consts.QueueIncoming, string(id)+".rec")
	tampered := `{"version":1,"meta":{"list":"announce"},"checksum":"deadbeef","message":"aGVsbG8="}`
	if err := os.WriteFile(path, []byte(tampered), 0644); err != nil {
		t.Fatalf("Failed to tamper with record: %v", err)
	}

	_, _, err = store.Dequeue(consts.QueueIncoming, id)
	if !errors.Is(err, consts.ErrCorrupt) {
		t.Fatalf("Expected ErrCorrupt for checksum mismatch, got %v", err)
	}
}

func TestRecoverStaged(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	id, err := store.Enqueue(consts.QueueIncoming, testMessage(t), mail.NewMetadata("announce", ""))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, _, err := store.Dequeue(consts.QueueIncoming, id); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	// A freshly staged entry is within the grace period and stays put.
	recovered, err := store.RecoverStaged(consts.QueueIncoming, time.Minute)
	if err != nil {
		t.Fatalf("RecoverStaged failed: %v", err)
	}
	if recovered != 0 {
		t.Fatalf("Expected 0 recovered inside grace, got %d", recovered)
	}

	// Age the staged record past the grace period.
	staged := filepath.Join(root, consts.QueueIncoming, "staging", string(id)+".rec")
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(staged, old, old); err != nil {
		t.Fatalf("Failed to age staged record: %v", err)
	}

	recovered, err = store.RecoverStaged(consts.QueueIncoming, time.Minute)
	if err != nil {
		t.Fatalf("RecoverStaged failed: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("Expected 1 recovered, got %d", recovered)
	}

	ready, err := store.ListReady(consts.QueueIncoming, 0, 1)
	if err != nil {
		t.Fatalf("ListReady failed: %v", err)
	}
	if len(ready) != 1 || ready[0] != id {
		t.Fatalf("Expected recovered entry %s ready, got %v", id, ready)
	}
}

func TestListReadyOrder(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	var ids []EntryID
	for i := 0; i < 5; i++ {
		time.Sleep(time.Millisecond)
		id, err := store.Enqueue(consts.QueueIncoming, testMessage(t), mail.NewMetadata("announce", ""))
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ids = append(ids, id)
	}

	ready, err := store.ListReady(consts.QueueIncoming, 0, 1)
	if err != nil {
		t.Fatalf("ListReady failed: %v", err)
	}
	if len(ready) != len(ids) {
		t.Fatalf("Expected %d entries, got %d", len(ids), len(ready))
	}
	for i := range ids {
		if ready[i] != ids[i] {
			t.Fatalf("Entry %d out of order: got %s, want %s", i, ready[i], ids[i])
		}
	}
}

func TestStats(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	var last EntryID
	for i := 0; i < 3; i++ {
		last, err = store.Enqueue(consts.QueueIncoming, testMessage(t), mail.NewMetadata("announce", ""))
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if _, _, err := store.Dequeue(consts.QueueIncoming, last); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	ready, staged, err := store.Stats(consts.QueueIncoming)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if ready != 2 || staged != 1 {
		t.Errorf("Stats = (ready=%d, staged=%d), want (2, 1)", ready, staged)
	}
}
