// Package queue implements herald's durable, crash-safe queue store.
//
// Each queue is a directory under a shared root; each ready entry is a
// single record file named by its EntryID, and a claimed entry is the
// same file renamed into the queue's staging/ subdirectory. Ownership
// transfer is always an atomic rename, never copy-then-delete, so a
// given entry is visible in at most one ready set at any instant and no
// crash point between claim and commit can lose or duplicate it.
//
// Records are a versioned JSON envelope carrying the metadata, the raw
// message (base64 in JSON) and a BLAKE3 checksum of the message bytes.
// Records that fail to decode are moved to the shunt queue with a .bad
// suffix, never silently dropped.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/migadu/herald/consts"
	"github.com/migadu/herald/logger"
	"github.com/migadu/herald/mail"
	"github.com/migadu/herald/pkg/metrics"
)

const (
	recordExt  = ".rec"
	corruptExt = ".bad"
	stagingDir = "staging"

	// RecordVersion is the envelope schema version; a mismatch is
	// treated as corruption rather than guessed at.
	RecordVersion = 1
)

// record is the on-disk envelope of one entry.
type record struct {
	Version  int           `json:"version"`
	Meta     mail.Metadata `json:"meta"`
	Checksum string        `json:"checksum"`
	Message  []byte        `json:"message"`
}

// Store manages the queue directory tree. Multiple processes may share
// one root; correctness relies only on atomic renames within it.
type Store struct {
	root string
}

// NewStore opens (creating if needed) the queue tree under root.
func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("queue root path cannot be empty")
	}
	for _, q := range consts.AllQueues {
		if err := os.MkdirAll(filepath.Join(root, q, stagingDir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create queue directory %s: %w", q, err)
		}
	}
	return &Store{root: root}, nil
}

// Root returns the queue root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) queueDir(queue string) (string, error) {
	dir := filepath.Join(s.root, queue)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", consts.ErrQueueUnknown, queue)
	}
	return dir, nil
}

func (s *Store) readyPath(dir string, id EntryID) string {
	return filepath.Join(dir, string(id)+recordExt)
}

func (s *Store) stagedPath(dir string, id EntryID) string {
	return filepath.Join(dir, stagingDir, string(id)+recordExt)
}

// Enqueue serializes the (message, metadata) pair into a fresh record in
// the queue's ready set. The write is atomic: a temp file is written,
// fsynced and renamed, so a concurrent reader never observes a partial
// record.
func (s *Store) Enqueue(queue string, msg *mail.Message, meta mail.Metadata) (EntryID, error) {
	start := time.Now()
	dir, err := s.queueDir(queue)
	if err != nil {
		return "", err
	}

	id := NewEntryID(meta.List())
	if err := s.writeRecord(s.readyPath(dir, id), msg, meta); err != nil {
		metrics.QueueOperations.WithLabelValues(queue, "enqueue", "error").Inc()
		return "", fmt.Errorf("%w: enqueue into %s: %v", consts.ErrStorageFailure, queue, err)
	}

	metrics.QueueOperations.WithLabelValues(queue, "enqueue", "success").Inc()
	metrics.QueueOperationDuration.WithLabelValues(queue, "enqueue").Observe(time.Since(start).Seconds())
	logger.Debug("queue: enqueued entry", "queue", queue, "id", string(id), "list", meta.List())
	return id, nil
}

// ListReady enumerates committed entries of the queue, oldest first,
// restricted to the given shard and with not-before timestamps honored.
// Undecodable records encountered during enumeration are quarantined.
func (s *Store) ListReady(queue string, shardIndex, shardCount int) ([]EntryID, error) {
	dir, err := s.queueDir(queue)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", consts.ErrStorageFailure, queue, err)
	}

	now := time.Now()
	var ready []EntryID
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordExt) {
			continue
		}
		id := EntryID(strings.TrimSuffix(entry.Name(), recordExt))
		if !id.InShard(shardIndex, shardCount) {
			continue
		}

		rec, err := s.readRecord(filepath.Join(dir, entry.Name()))
		if err != nil {
			if errors.Is(err, consts.ErrCorrupt) {
				s.quarantine(queue, filepath.Join(dir, entry.Name()), id)
				continue
			}
			// Likely claimed by another worker between ReadDir and
			// here; skip, it is no longer ready.
			continue
		}
		if nb := rec.Meta.NotBefore(); !nb.IsZero() && now.Before(nb) {
			continue
		}
		ready = append(ready, id)
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	return ready, nil
}

// Dequeue claims an entry by renaming its record out of the ready set
// into the staging subdirectory, then decodes it. Losing the rename race
// to another worker yields ErrNotFound, which callers treat as routine.
// An undecodable record is quarantined and reported as ErrCorrupt.
func (s *Store) Dequeue(queue string, id EntryID) (*mail.Message, mail.Metadata, error) {
	start := time.Now()
	dir, err := s.queueDir(queue)
	if err != nil {
		return nil, nil, err
	}

	staged := s.stagedPath(dir, id)
	if err := os.Rename(s.readyPath(dir, id), staged); err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s in %s", consts.ErrNotFound, string(id), queue)
		}
		metrics.QueueOperations.WithLabelValues(queue, "dequeue", "error").Inc()
		return nil, nil, fmt.Errorf("%w: claim %s: %v", consts.ErrStorageFailure, string(id), err)
	}

	rec, err := s.readRecord(staged)
	if err != nil {
		if errors.Is(err, consts.ErrCorrupt) {
			s.quarantine(queue, staged, id)
			metrics.QueueOperations.WithLabelValues(queue, "dequeue", "corrupt").Inc()
			return nil, nil, err
		}
		metrics.QueueOperations.WithLabelValues(queue, "dequeue", "error").Inc()
		return nil, nil, fmt.Errorf("%w: read %s: %v", consts.ErrStorageFailure, string(id), err)
	}

	msg, err := mail.Parse(rec.Message)
	if err != nil {
		s.quarantine(queue, staged, id)
		metrics.QueueOperations.WithLabelValues(queue, "dequeue", "corrupt").Inc()
		return nil, nil, fmt.Errorf("%w: %v", consts.ErrCorrupt, err)
	}

	metrics.QueueOperations.WithLabelValues(queue, "dequeue", "success").Inc()
	metrics.QueueOperationDuration.WithLabelValues(queue, "dequeue").Observe(time.Since(start).Seconds())
	return msg, rec.Meta, nil
}

// Finish permanently removes a staged entry. This is the success commit
// point of one processing attempt.
func (s *Store) Finish(queue string, id EntryID) error {
	dir, err := s.queueDir(queue)
	if err != nil {
		return err
	}
	if err := os.Remove(s.stagedPath(dir, id)); err != nil && !os.IsNotExist(err) {
		metrics.QueueOperations.WithLabelValues(queue, "finish", "error").Inc()
		return fmt.Errorf("%w: finish %s: %v", consts.ErrStorageFailure, string(id), err)
	}
	metrics.QueueOperations.WithLabelValues(queue, "finish", "success").Inc()
	return nil
}

// Requeue atomically re-homes a staged entry (with possibly mutated
// message and metadata) into the target queue's ready set. The new
// record is durably written before the staged original is removed, so
// no crash point leaves the entry absent from both queues. The entry
// keeps its identifier across the move.
func (s *Store) Requeue(queue string, id EntryID, msg *mail.Message, meta mail.Metadata, targetQueue string) error {
	start := time.Now()
	dir, err := s.queueDir(queue)
	if err != nil {
		return err
	}
	targetDir, err := s.queueDir(targetQueue)
	if err != nil {
		return err
	}

	if err := s.writeRecord(s.readyPath(targetDir, id), msg, meta); err != nil {
		metrics.QueueOperations.WithLabelValues(queue, "requeue", "error").Inc()
		return fmt.Errorf("%w: requeue %s into %s: %v", consts.ErrStorageFailure, string(id), targetQueue, err)
	}
	if err := os.Remove(s.stagedPath(dir, id)); err != nil && !os.IsNotExist(err) {
		// The new record exists; a stale staged copy is recovered (and
		// redelivered) later rather than risking loss here.
		logger.Warn("queue: failed to remove staged original after requeue",
			"queue", queue, "target", targetQueue, "id", string(id), "error", err)
	}

	metrics.QueueOperations.WithLabelValues(queue, "requeue", "success").Inc()
	metrics.QueueOperationDuration.WithLabelValues(queue, "requeue").Observe(time.Since(start).Seconds())
	logger.Debug("queue: requeued entry", "from", queue, "to", targetQueue, "id", string(id))
	return nil
}

// RecoverStaged returns staged entries older than grace to the ready
// set. Run at startup: anything that old belongs to a dead process.
// Redelivery is at-least-once; processors are expected to consult their
// completion markers in metadata.
func (s *Store) RecoverStaged(queue string, grace time.Duration) (int, error) {
	dir, err := s.queueDir(queue)
	if err != nil {
		return 0, err
	}

	staging := filepath.Join(dir, stagingDir)
	entries, err := os.ReadDir(staging)
	if err != nil {
		return 0, fmt.Errorf("%w: read staging of %s: %v", consts.ErrStorageFailure, queue, err)
	}

	cutoff := time.Now().Add(-grace)
	recovered := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		id := EntryID(strings.TrimSuffix(entry.Name(), recordExt))
		if err := os.Rename(filepath.Join(staging, entry.Name()), s.readyPath(dir, id)); err != nil {
			logger.Error("queue: failed to recover staged entry", "queue", queue, "id", string(id), "error", err)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		logger.Info("queue: recovered staged entries", "queue", queue, "count", recovered)
	}
	return recovered, nil
}

// Stats counts ready and staged entries of a queue.
func (s *Store) Stats(queue string) (ready, staged int, err error) {
	dir, err := s.queueDir(queue)
	if err != nil {
		return 0, 0, err
	}
	ready, err = countRecords(dir)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", consts.ErrStorageFailure, err)
	}
	staged, err = countRecords(filepath.Join(dir, stagingDir))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", consts.ErrStorageFailure, err)
	}
	metrics.QueueDepth.WithLabelValues(queue, "ready").Set(float64(ready))
	metrics.QueueDepth.WithLabelValues(queue, "staged").Set(float64(staged))
	return ready, staged, nil
}

func countRecords(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), recordExt) {
			n++
		}
	}
	return n, nil
}

// quarantine moves an undecodable record into the shunt queue under a
// .bad suffix so normal draining ignores it but operators can inspect
// it. Never deletes.
func (s *Store) quarantine(queue, path string, id EntryID) {
	dest := filepath.Join(s.root, consts.QueueShunt, string(id)+corruptExt)
	if err := os.Rename(path, dest); err != nil {
		logger.Error("queue: failed to quarantine corrupt record", "queue", queue, "id", string(id), "error", err)
		return
	}
	metrics.QueueCorruptRecords.WithLabelValues(queue).Inc()
	logger.Error("queue: quarantined corrupt record", "queue", queue, "id", string(id))
}

func (s *Store) writeRecord(path string, msg *mail.Message, meta mail.Metadata) error {
	raw, err := msg.Bytes()
	if err != nil {
		return err
	}
	meta[mail.KeyVersion] = mail.SchemaVersion
	rec := record{
		Version:  RecordVersion,
		Meta:     meta,
		Checksum: mail.HashBytes(raw),
		Message:  raw,
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrSerializationFailed, err)
	}
	return writeFileAtomic(path, encoded)
}

func (s *Store) readRecord(path string) (*record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrCorrupt, err)
	}
	if rec.Version != RecordVersion {
		return nil, fmt.Errorf("%w: record version %d, want %d", consts.ErrCorrupt, rec.Version, RecordVersion)
	}
	if rec.Checksum != mail.HashBytes(rec.Message) {
		return nil, fmt.Errorf("%w: checksum mismatch", consts.ErrCorrupt)
	}
	return &rec, nil
}

// writeFileAtomic writes data via temp file, fsync and rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
