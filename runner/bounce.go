package runner

import (
	"context"
	"fmt"

	"github.com/migadu/herald/delivery"
	"github.com/migadu/herald/lists"
	"github.com/migadu/herald/logger"
	"github.com/migadu/herald/mail"
	"github.com/migadu/herald/queue"
)

// BounceProcessor delivers rejection and failure notices to the
// original posters. Its runner must run with failure notices disabled
// so an undeliverable notice cannot generate another notice.
type BounceProcessor struct {
	deliverer delivery.Deliverer
	registry  func() *lists.Registry
}

func NewBounceProcessor(deliverer delivery.Deliverer, registry func() *lists.Registry) *BounceProcessor {
	return &BounceProcessor{deliverer: deliverer, registry: registry}
}

func (p *BounceProcessor) Process(ctx context.Context, id queue.EntryID, msg *mail.Message, meta mail.Metadata) (Result, error) {
	recipients := meta.GetStrings(mail.KeyRecipients)
	if len(recipients) == 0 {
		return Result{}, Shunt(fmt.Errorf("notice entry has no recipients"))
	}

	// Notices go out from the list's owner address. If the list is
	// gone, the null sender keeps the notice from bouncing back.
	from := ""
	if list, err := p.registry().Get(meta.List()); err == nil {
		from = list.OwnerAddress()
	}

	raw, err := msg.Bytes()
	if err != nil {
		return Result{}, Permanent(err)
	}

	if err := p.deliverer.Deliver(from, recipients, raw); err != nil {
		return Result{}, err
	}

	logger.InfoContext(ctx, "delivered notice", "list", meta.List(), "id", id,
		"recipients", len(recipients))
	return Result{Kind: Done}, nil
}
