package consts

// Queue names known to the engine. Every entry lives in exactly one of
// these at any instant.
const (
	QueueIncoming = "incoming"
	QueueOutgoing = "outgoing"
	QueueArchive  = "archive"
	QueueDigest   = "digest"
	QueueBounce   = "bounce"

	// QueueHeld stores messages awaiting a moderator decision. No runner
	// drains it; the ledger moves entries out on resolution.
	QueueHeld = "held"

	// QueueShunt is the terminal holding area for entries that exceeded
	// their retry budget or failed to decode. Manual inspection only.
	QueueShunt = "shunt"
)

// AllQueues lists every queue directory the store creates at open.
var AllQueues = []string{
	QueueIncoming,
	QueueOutgoing,
	QueueArchive,
	QueueDigest,
	QueueBounce,
	QueueHeld,
	QueueShunt,
}
