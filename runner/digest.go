package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/k3a/html2text"

	"github.com/migadu/herald/logger"
	"github.com/migadu/herald/mail"
	"github.com/migadu/herald/queue"
)

// DigestProcessor appends accepted posts to a per-list mbox spool that
// a periodic digest mailing is assembled from. HTML-only posts are
// rendered to plain text so the digest stays readable.
type DigestProcessor struct {
	spoolDir string
}

func NewDigestProcessor(spoolDir string) (*DigestProcessor, error) {
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create digest spool %s: %w", spoolDir, err)
	}
	return &DigestProcessor{spoolDir: spoolDir}, nil
}

func (p *DigestProcessor) Process(ctx context.Context, id queue.EntryID, msg *mail.Message, meta mail.Metadata) (Result, error) {
	list := meta.List()
	if list == "" {
		return Result{}, Shunt(fmt.Errorf("digest entry has no list"))
	}

	// The digest copy needs a stable Message-Id so a redelivered entry
	// (crash between append and commit) can be recognized in the spool.
	// Entries whose message lacks one get an id derived from the entry,
	// which is identical on every replay.
	msgID := msg.MessageID()
	if msgID == "" {
		msgID = fmt.Sprintf("%s@herald.digest", id)
		msg.Header.Set("Message-Id", "<"+msgID+">")
	}

	path := p.SpoolPath(list)
	spooled, err := spoolContains(path, msgID)
	if err != nil {
		return Result{}, err
	}
	if spooled {
		logger.DebugContext(ctx, "message already spooled for digest", "list", list, "id", id)
		return Result{Kind: Done}, nil
	}

	entry, err := p.renderEntry(msg, meta)
	if err != nil {
		return Result{}, Permanent(err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open digest spool %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(entry); err != nil {
		return Result{}, fmt.Errorf("failed to append to digest spool %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return Result{}, fmt.Errorf("failed to sync digest spool %s: %w", path, err)
	}

	logger.InfoContext(ctx, "message spooled for digest", "list", list, "id", id)
	return Result{Kind: Done}, nil
}

// SpoolPath returns the mbox file a list's digest accumulates in.
func (p *DigestProcessor) SpoolPath(list string) string {
	return filepath.Join(p.spoolDir, list+".mbox")
}

// renderEntry produces one mbox-format message: a From_ separator line,
// the headers, and the body with "From " lines escaped. HTML-only
// bodies are converted to text.
func (p *DigestProcessor) renderEntry(msg *mail.Message, meta mail.Metadata) ([]byte, error) {
	sender := meta.GetString(mail.KeySender)
	if sender == "" {
		sender = msg.From()
	}
	if sender == "" {
		sender = "MAILER-DAEMON"
	}

	body := msg.Body()
	contentType := strings.ToLower(msg.Header.Get("Content-Type"))
	if strings.HasPrefix(contentType, "text/html") {
		// The digest queue carries its own copy of the message, so
		// rewriting the header here touches nothing else.
		body = []byte(html2text.HTML2Text(string(body)))
		msg.Header.Set("Content-Type", `text/plain; charset="utf-8"`)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From %s %s\n", sender, time.Now().UTC().Format(time.ANSIC))

	raw, err := msg.Bytes()
	if err != nil {
		return nil, err
	}
	headerLen := len(raw) - len(msg.Body())
	buf.Write(raw[:headerLen])
	buf.Write(escapeFromLines(body))
	if !bytes.HasSuffix(body, []byte("\n")) {
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// spoolContains reports whether the spool already has a message with
// the given Message-Id. Header lines only; the mbox format does not
// escape header-lookalikes in bodies, but a false hit needs a body line
// that starts with the header name and quotes the exact id.
func spoolContains(path, msgID string) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read digest spool %s: %w", path, err)
	}

	needle := []byte("<" + msgID + ">")
	for _, line := range bytes.Split(data, []byte("\n")) {
		rest, ok := cutHeaderName(line, "message-id")
		if ok && bytes.Contains(rest, needle) {
			return true, nil
		}
	}
	return false, nil
}

func cutHeaderName(line []byte, name string) ([]byte, bool) {
	if len(line) < len(name)+1 {
		return nil, false
	}
	if !strings.EqualFold(string(line[:len(name)]), name) || line[len(name)] != ':' {
		return nil, false
	}
	return line[len(name)+1:], true
}

func escapeFromLines(body []byte) []byte {
	if !bytes.Contains(body, []byte("From ")) {
		return body
	}
	lines := bytes.Split(body, []byte("\n"))
	for i, line := range lines {
		if bytes.HasPrefix(line, []byte("From ")) {
			lines[i] = append([]byte(">"), line...)
		}
	}
	return bytes.Join(lines, []byte("\n"))
}
