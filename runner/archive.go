package runner

import (
	"context"

	"github.com/migadu/herald/logger"
	"github.com/migadu/herald/mail"
	"github.com/migadu/herald/queue"
)

// ObjectStore is the slice of the archive store the processor needs.
type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, data []byte) error
}

// ArchiveProcessor writes accepted posts to the content-addressable
// archive store. The object key is the message's BLAKE3 hash, so
// redelivered entries and cross-posted duplicates cost nothing.
type ArchiveProcessor struct {
	store ObjectStore
}

func NewArchiveProcessor(store ObjectStore) *ArchiveProcessor {
	return &ArchiveProcessor{store: store}
}

func (p *ArchiveProcessor) Process(ctx context.Context, id queue.EntryID, msg *mail.Message, meta mail.Metadata) (Result, error) {
	raw, err := msg.Bytes()
	if err != nil {
		return Result{}, Permanent(err)
	}
	key := mail.HashBytes(raw)

	exists, err := p.store.Exists(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if exists {
		logger.DebugContext(ctx, "message already archived", "id", id, "key", key)
		return Result{Kind: Done}, nil
	}

	if err := p.store.Put(ctx, key, raw); err != nil {
		return Result{}, err
	}
	logger.InfoContext(ctx, "message archived", "list", meta.List(), "id", id, "key", key)
	return Result{Kind: Done}, nil
}
