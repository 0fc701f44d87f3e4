package mail

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/migadu/herald/idgen"
)

// NoticeSpec describes an administrative notice the engine sends back
// to a poster: a moderator rejection or a terminal delivery failure.
type NoticeSpec struct {
	ListName    string
	ListAddress string
	Hostname    string
	Recipient   string
	Subject     string
	Reason      string
	Original    *Message // quoted in the notice body when present
}

// BuildNotice composes a plain-text notice message. The notice is sent
// from the list's -owner address so replies reach a human, and carries
// Auto-Submitted so receiving systems do not answer it.
func BuildNotice(spec NoticeSpec) (*Message, error) {
	if spec.Recipient == "" {
		return nil, fmt.Errorf("notice has no recipient")
	}

	from := ownerAddress(spec.ListAddress)

	var hdr textproto.Header
	hdr.Set("From", from)
	hdr.Set("To", spec.Recipient)
	hdr.Set("Subject", spec.Subject)
	hdr.Set("Date", time.Now().UTC().Format(time.RFC1123Z))
	hdr.Set("Message-Id", fmt.Sprintf("<%s@%s>", idgen.New(), spec.Hostname))
	hdr.Set("Auto-Submitted", "auto-replied")
	hdr.Set("Precedence", "bulk")
	hdr.Set("MIME-Version", "1.0")
	hdr.Set("Content-Type", `text/plain; charset="utf-8"`)

	var body strings.Builder
	fmt.Fprintf(&body, "Your message to the %s mailing list was not delivered.\r\n\r\n", spec.ListName)
	fmt.Fprintf(&body, "Reason: %s\r\n", spec.Reason)
	if spec.Original != nil {
		body.WriteString("\r\nThe original message headers follow.\r\n\r\n")
		fields := spec.Original.Header.Fields()
		for fields.Next() {
			fmt.Fprintf(&body, "> %s: %s\r\n", fields.Key(), fields.Value())
		}
	}
	fmt.Fprintf(&body, "\r\nIf you believe this is in error, contact %s.\r\n", from)

	return &Message{Header: hdr, body: []byte(body.String())}, nil
}

// BuildRejectionNotice composes the notice for a moderator rejection.
func BuildRejectionNotice(listName, listAddress, hostname, recipient, reason string, original *Message) (*Message, error) {
	return BuildNotice(NoticeSpec{
		ListName:    listName,
		ListAddress: listAddress,
		Hostname:    hostname,
		Recipient:   recipient,
		Subject:     fmt.Sprintf("Your message to %s was rejected", listName),
		Reason:      reason,
		Original:    original,
	})
}

// BuildFailureNotice composes the notice for a permanent delivery
// failure.
func BuildFailureNotice(listName, listAddress, hostname, recipient, reason string, original *Message) (*Message, error) {
	return BuildNotice(NoticeSpec{
		ListName:    listName,
		ListAddress: listAddress,
		Hostname:    hostname,
		Recipient:   recipient,
		Subject:     fmt.Sprintf("Delivery failure for your message to %s", listName),
		Reason:      reason,
		Original:    original,
	})
}

func ownerAddress(listAddress string) string {
	at := strings.LastIndex(listAddress, "@")
	if at <= 0 {
		return listAddress
	}
	return listAddress[:at] + "-owner" + listAddress[at:]
}
