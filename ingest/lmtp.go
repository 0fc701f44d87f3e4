// Package ingest is the LMTP front door. The local MTA hands posts to
// it; each accepted recipient is resolved to a list and the message is
// enqueued into the incoming queue. Everything else happens in the
// runners.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/migadu/herald/config"
	"github.com/migadu/herald/consts"
	"github.com/migadu/herald/helpers"
	"github.com/migadu/herald/lists"
	"github.com/migadu/herald/logger"
	"github.com/migadu/herald/mail"
	"github.com/migadu/herald/pkg/metrics"
	"github.com/migadu/herald/queue"
)

// Notifier wakes the incoming runner when a message lands.
type Notifier interface {
	Notify()
}

// Server is the LMTP listener backend.
type Server struct {
	addr           string
	maxMessageSize int64
	store          *queue.Store
	registry       func() *lists.Registry
	notifier       Notifier
	server         *smtp.Server
}

func NewServer(cfg config.LMTPConfig, store *queue.Store, registry func() *lists.Registry, notifier Notifier) *Server {
	b := &Server{
		addr:           cfg.Addr,
		maxMessageSize: cfg.MaxMessageSize,
		store:          store,
		registry:       registry,
		notifier:       notifier,
	}

	s := smtp.NewServer(b)
	s.Addr = cfg.Addr
	s.LMTP = true
	s.ReadTimeout = 5 * time.Minute
	s.WriteTimeout = 5 * time.Minute
	if cfg.MaxMessageSize > 0 {
		s.MaxMessageBytes = cfg.MaxMessageSize
	}
	b.server = s
	return b
}

func (b *Server) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

// Start serves until the listener is closed. Errors other than a clean
// close are sent to errCh.
func (b *Server) Start(errCh chan<- error) {
	logger.Info("LMTP server listening", "addr", b.addr)
	if err := b.server.ListenAndServe(); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
		errCh <- fmt.Errorf("LMTP server error: %w", err)
	}
}

func (b *Server) Close() error {
	return b.server.Close()
}

type session struct {
	backend *Server
	from    string
	lists   []*lists.List
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	s.from = helpers.CanonicalAddress(from)
	return nil
}

// Rcpt resolves the recipient to a list. Unknown recipients are refused
// at the SMTP boundary so the MTA generates the bounce, not us.
func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	list, err := s.backend.registry().GetByAddress(to)
	if err != nil {
		if errors.Is(err, consts.ErrListUnknown) {
			metrics.IngestedMessages.WithLabelValues("", "unknown_list").Inc()
			return &smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 1, 1},
				Message:      fmt.Sprintf("no such list: %s", to),
			}
		}
		return err
	}
	s.lists = append(s.lists, list)
	return nil
}

func (s *session) Data(r io.Reader) error {
	if len(s.lists) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "no valid recipients",
		}
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read message data: %w", err)
	}

	msg, err := mail.Parse(raw)
	if err != nil {
		metrics.IngestedMessages.WithLabelValues("", "malformed").Inc()
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "malformed message",
		}
	}

	for _, list := range s.lists {
		meta := mail.NewMetadata(list.Name, s.from)
		id, err := s.backend.store.Enqueue(consts.QueueIncoming, msg, meta)
		if err != nil {
			logger.Error("failed to enqueue ingested message", "list", list.Name, "error", err)
			metrics.IngestedMessages.WithLabelValues(list.Name, "enqueue_error").Inc()
			return &smtp.SMTPError{
				Code:         451,
				EnhancedCode: smtp.EnhancedCode{4, 3, 0},
				Message:      "temporary queue failure, try again later",
			}
		}
		logger.Info("message ingested", "list", list.Name, "id", id,
			"from", s.from, "size", len(raw))
		metrics.IngestedMessages.WithLabelValues(list.Name, "accepted").Inc()
	}

	if s.backend.notifier != nil {
		s.backend.notifier.Notify()
	}
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.lists = nil
}

func (s *session) Logout() error {
	return nil
}

var _ smtp.Backend = (*Server)(nil)
