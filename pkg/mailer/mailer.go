/**
 * @description
 * This package sends transactional emails (payment confirmations, refund
 * notices) over SMTP. Sending is strictly best-effort: the settlement flow
 * logs and swallows mail failures, so a broken SMTP relay can never change
 * a transaction's recorded status.
 *
 * @dependencies
 * - gopkg.in/gomail.v2: SMTP message construction and delivery.
 */
package mailer

import (
	"log"

	gomail "gopkg.in/gomail.v2"
)

// Sender is the interface the settlement flow uses to dispatch mail.
type Sender interface {
	Send(to, subject, htmlBody string) error
}

// SMTPMailer sends mail through a configured SMTP relay.
type SMTPMailer struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPMailer creates a mailer for the given relay and sender address.
func NewSMTPMailer(host string, port int, username, password, from string) *SMTPMailer {
	return &SMTPMailer{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}
}

// Send delivers a single HTML email.
func (m *SMTPMailer) Send(to, subject, htmlBody string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", htmlBody)

	return m.dialer.DialAndSend(msg)
}

// NoopMailer is used when SMTP is not configured; it logs instead of sending.
type NoopMailer struct{}

func (m *NoopMailer) Send(to, subject, htmlBody string) error {
	log.Printf("level=warn component=mailer mode=noop msg=\"email send skipped\" to=%s subject=%q", to, subject)
	return nil
}
