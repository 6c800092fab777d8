package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// SMTPConfig holds SMTP relay settings.
type SMTPConfig struct {
	Host        string
	Port        int
	User        string
	Pass        string
	FromAddress string
	FromName    string
}

// SMTPSender delivers mail through an SMTP relay, one RCPT per recipient so
// refused recipients are reported instead of failing the whole message.
type SMTPSender struct {
	cfg    SMTPConfig
	logger *zap.Logger
}

// NewSMTPSender creates an SMTP sender.
func NewSMTPSender(cfg SMTPConfig, logger *zap.Logger) *SMTPSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPSender{cfg: cfg, logger: logger}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) (SendResult, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return SendResult{}, fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return SendResult{}, fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return SendResult{}, fmt.Errorf("starttls: %w", err)
		}
	}
	if s.cfg.User != "" {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.User, s.cfg.Pass, s.cfg.Host)); err != nil {
			return SendResult{}, fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(s.cfg.FromAddress); err != nil {
		return SendResult{}, fmt.Errorf("smtp mail from: %w", err)
	}

	res := SendResult{MessageID: messageID(msg.Reference)}
	for _, to := range msg.To {
		if err := c.Rcpt(to); err != nil {
			s.logger.Warn("smtp recipient rejected", zap.String("to", to), zap.Error(err))
			res.Rejected = append(res.Rejected, to)
			continue
		}
		res.Accepted = append(res.Accepted, to)
	}
	if len(res.Accepted) == 0 {
		_ = c.Reset()
		return res, ErrAllRejected
	}

	w, err := c.Data()
	if err != nil {
		return res, fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(s.render(msg, res)); err != nil {
		return res, fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return res, fmt.Errorf("smtp data close: %w", err)
	}
	if err := c.Quit(); err != nil {
		s.logger.Debug("smtp quit", zap.Error(err))
	}
	return res, nil
}

func (s *SMTPSender) render(msg Message, res SendResult) []byte {
	var b bytes.Buffer
	from := s.cfg.FromAddress
	if s.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", s.cfg.FromName), s.cfg.FromAddress)
	}
	fmt.Fprintf(&b, "From: %s\r\n", from)
	for _, to := range res.Accepted {
		fmt.Fprintf(&b, "To: %s\r\n", to)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", res.MessageID)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	if msg.BodyHTML != "" {
		b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		b.WriteString(msg.BodyHTML)
	} else {
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		b.WriteString(msg.BodyText)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}
