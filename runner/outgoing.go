package runner

import (
	"context"
	"fmt"

	"github.com/migadu/herald/consts"
	"github.com/migadu/herald/delivery"
	"github.com/migadu/herald/lists"
	"github.com/migadu/herald/logger"
	"github.com/migadu/herald/mail"
	"github.com/migadu/herald/queue"
)

// OutgoingProcessor delivers accepted posts to the list membership.
// The envelope sender is the list's owner address so bounces come back
// to a mailbox a human reads, not to the poster.
type OutgoingProcessor struct {
	deliverer delivery.Deliverer
	registry  func() *lists.Registry
}

func NewOutgoingProcessor(deliverer delivery.Deliverer, registry func() *lists.Registry) *OutgoingProcessor {
	return &OutgoingProcessor{deliverer: deliverer, registry: registry}
}

func (p *OutgoingProcessor) Process(ctx context.Context, id queue.EntryID, msg *mail.Message, meta mail.Metadata) (Result, error) {
	list, err := p.registry().Get(meta.List())
	if err != nil {
		return Result{}, Shunt(fmt.Errorf("%w: %q", consts.ErrListUnknown, meta.List()))
	}

	if len(list.Members) == 0 {
		logger.InfoContext(ctx, "list has no members, nothing to deliver",
			"list", list.Name, "id", id)
		return Result{Kind: Done}, nil
	}

	raw, err := msg.Bytes()
	if err != nil {
		return Result{}, Permanent(err)
	}

	if err := p.deliverer.Deliver(list.OwnerAddress(), list.Members, raw); err != nil {
		return Result{}, err
	}

	logger.InfoContext(ctx, "delivered post to members", "list", list.Name,
		"id", id, "recipients", len(list.Members))
	return Result{Kind: Done}, nil
}
