package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"flowsentry/internal/netflow"
	"flowsentry/pkg/models"
)

// EmailConfig configures the SMTP sender.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
	Subject  string
	// Timeout bounds one whole SMTP exchange, dial included.
	Timeout time.Duration
}

// EmailSender sends plain text mails through an SMTP relay.
type EmailSender struct {
	cfg    EmailConfig
	auth   smtp.Auth
	dialer *net.Dialer
}

// NewEmailSender builds an SMTP sender.
func NewEmailSender(cfg EmailConfig) (*EmailSender, error) {
	if cfg.Host == "" || cfg.To == "" || cfg.From == "" {
		return nil, fmt.Errorf("email sender needs host, from and to")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Subject == "" {
		cfg.Subject = "FlowSentry alert"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &EmailSender{cfg: cfg, auth: auth, dialer: &net.Dialer{Timeout: cfg.Timeout}}, nil
}

// Name identifies the sender in logs and metrics.
func (e *EmailSender) Name() string { return "email" }

// Send mails the message with a summary of the flow. The exchange gives up
// when ctx ends or the configured timeout passes, whichever comes first.
func (e *EmailSender) Send(ctx context.Context, message string, flow models.FlowRecord) error {
	if err := e.deliver(ctx, e.buildMessage(message, flow)); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("send email: %w", ctx.Err())
		}
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func (e *EmailSender) deliver(ctx context.Context, msg []byte) error {
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	conn, err := e.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	deadline := time.Now().Add(e.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}
	// Closing the connection unblocks any pending read on cancellation.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: e.cfg.Host}); err != nil {
			return err
		}
	}
	if e.auth != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(e.auth); err != nil {
				return err
			}
		}
	}
	if err := c.Mail(e.cfg.From); err != nil {
		return err
	}
	for _, rcpt := range e.recipients() {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func (e *EmailSender) recipients() []string {
	var out []string
	for _, r := range strings.Split(e.cfg.To, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func (e *EmailSender) buildMessage(message string, flow models.FlowRecord) []byte {
	var body strings.Builder
	body.WriteString(message + "\r\n\r\n")
	fmt.Fprintf(&body, "Source: %s:%d\r\n", flow.SrcIP, flow.SrcPort)
	fmt.Fprintf(&body, "Destination: %s:%d\r\n", flow.DstIP, flow.DstPort)
	fmt.Fprintf(&body, "Protocol: %s\r\n", netflow.ProtocolName(flow.Protocol))
	fmt.Fprintf(&body, "Packets: %d Bytes: %d\r\n", flow.Packets, flow.Bytes)
	if flow.Tags != "" {
		fmt.Fprintf(&body, "Tags: %s\r\n", flow.Tags)
	}

	return []byte("To: " + e.cfg.To + "\r\n" +
		"From: " + e.cfg.From + "\r\n" +
		"Subject: " + e.cfg.Subject + "\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n" +
		"\r\n" +
		body.String())
}
