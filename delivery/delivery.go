package delivery

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/migadu/herald/config"
	"github.com/migadu/herald/logger"
	"github.com/migadu/herald/pkg/circuitbreaker"
	"github.com/migadu/herald/pkg/metrics"
)

// DeliveryError wraps an error with information about whether it's permanent or temporary.
// Permanent errors (5xx SMTP codes) should not be retried.
// Temporary errors (4xx SMTP codes, network errors) can be retried.
type DeliveryError struct {
	Err       error
	Permanent bool
}

func (e *DeliveryError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether err is a permanent delivery failure.
// 5xx SMTP errors are permanent; 4xx and network errors are temporary.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}

	return false
}

// Deliverer hands a finished message to the outside world.
type Deliverer interface {
	Deliver(from string, to []string, messageBytes []byte) error
}

// SMTPDeliverer submits messages to a configured smarthost. Failures
// trip a circuit breaker so a down relay is probed instead of hammered.
type SMTPDeliverer struct {
	host      string
	useTLS    bool
	tlsVerify bool
	startTLS  bool
	username  string
	password  string
	breaker   *circuitbreaker.CircuitBreaker
}

func NewSMTPDeliverer(cfg config.RelayConfig) *SMTPDeliverer {
	return &SMTPDeliverer{
		host:      cfg.Host,
		useTLS:    cfg.TLS,
		tlsVerify: cfg.GetTLSVerify(),
		startTLS:  cfg.StartTLS,
		username:  cfg.Username,
		password:  cfg.Password,
		breaker: circuitbreaker.New(circuitbreaker.Settings{
			Name:        "smtp_relay",
			MaxRequests: 3,
			Interval:    10 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				logger.Warn("SMTP relay circuit breaker state changed",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

func (d *SMTPDeliverer) Deliver(from string, to []string, messageBytes []byte) error {
	if d.host == "" {
		return &DeliveryError{Err: fmt.Errorf("SMTP relay host not configured"), Permanent: true}
	}

	start := time.Now()
	err := d.breaker.Execute(func() error {
		return d.send(from, to, messageBytes)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		logger.Warn("SMTP relay circuit breaker refused delivery", "host", d.host)
		metrics.Deliveries.WithLabelValues("circuit_open").Inc()
		return &DeliveryError{Err: err, Permanent: false}
	}
	if err != nil {
		metrics.Deliveries.WithLabelValues("failure").Inc()
		return err
	}
	metrics.Deliveries.WithLabelValues("success").Inc()
	metrics.DeliveryDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
	return nil
}

func (d *SMTPDeliverer) send(from string, to []string, messageBytes []byte) error {
	var c *smtp.Client
	var err error

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !d.tlsVerify,
	}

	if !d.useTLS {
		c, err = smtp.Dial(d.host)
		if err != nil {
			return &DeliveryError{Err: fmt.Errorf("failed to connect to SMTP relay: %w", err), Permanent: false}
		}
	} else if d.startTLS {
		c, err = smtp.DialStartTLS(d.host, tlsConfig)
		if err != nil {
			return &DeliveryError{Err: fmt.Errorf("failed to connect to SMTP relay with STARTTLS: %w", err), Permanent: false}
		}
	} else {
		c, err = smtp.DialTLS(d.host, tlsConfig)
		if err != nil {
			return &DeliveryError{Err: fmt.Errorf("failed to connect to SMTP relay with TLS: %w", err), Permanent: false}
		}
	}
	defer c.Close()

	if d.username != "" {
		auth := sasl.NewPlainClient("", d.username, d.password)
		if err := c.Auth(auth); err != nil {
			return &DeliveryError{Err: fmt.Errorf("failed to authenticate to SMTP relay: %w", err), Permanent: IsPermanentError(err)}
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return &DeliveryError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return &DeliveryError{Err: fmt.Errorf("failed to set recipient %s: %w", rcpt, err), Permanent: IsPermanentError(err)}
		}
	}

	wc, err := c.Data()
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(messageBytes); err != nil {
		_ = wc.Close()
		return &DeliveryError{Err: fmt.Errorf("failed to write message: %w", err), Permanent: false}
	}
	if err := wc.Close(); err != nil {
		return &DeliveryError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}

	if err := c.Quit(); err != nil {
		// The relay accepted the message; a QUIT failure is not a delivery failure.
		logger.Warn("failed to send QUIT to SMTP relay", "host", d.host, "error", err)
	}
	return nil
}
