// Package email delivers invitation mails.
package email

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAllRejected is returned when no recipient accepted the message.
var ErrAllRejected = errors.New("all recipients rejected")

// Message is one outgoing mail.
type Message struct {
	To       []string `json:"to"`
	Subject  string   `json:"subject"`
	BodyText string   `json:"body_text"`
	BodyHTML string   `json:"body_html,omitempty"`
	// Reference ties the message to a domain entity, e.g. an invitation id.
	Reference string `json:"reference,omitempty"`
}

// SendResult is the provider outcome.
type SendResult struct {
	MessageID string   `json:"message_id"`
	Accepted  []string `json:"accepted"`
	Rejected  []string `json:"rejected"`
}

// Sender is the email collaborator.
type Sender interface {
	Send(ctx context.Context, msg Message) (SendResult, error)
}

// LogSender logs messages instead of sending them. For local development.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a log-only sender.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg Message) (SendResult, error) {
	id := messageID(msg.Reference)
	s.logger.Info("email (not sent)",
		zap.Strings("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("message_id", id),
		zap.String("body", msg.BodyText),
	)
	return SendResult{MessageID: id, Accepted: append([]string(nil), msg.To...)}, nil
}

// MemorySender records messages. Addresses listed in Reject are refused.
type MemorySender struct {
	mu     sync.Mutex
	sent   []Message
	reject map[string]bool
	err    error
}

// NewMemorySender returns a recording sender.
func NewMemorySender() *MemorySender {
	return &MemorySender{reject: make(map[string]bool)}
}

// Reject makes the sender refuse addr.
func (s *MemorySender) Reject(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject[strings.ToLower(addr)] = true
}

// FailWith makes every Send return err; nil clears it.
func (s *MemorySender) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *MemorySender) Send(_ context.Context, msg Message) (SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return SendResult{}, s.err
	}
	res := SendResult{MessageID: messageID(msg.Reference)}
	for _, to := range msg.To {
		if s.reject[strings.ToLower(to)] {
			res.Rejected = append(res.Rejected, to)
			continue
		}
		res.Accepted = append(res.Accepted, to)
	}
	if len(res.Accepted) == 0 {
		return res, ErrAllRejected
	}
	s.sent = append(s.sent, msg)
	return res, nil
}

// Sent returns the delivered messages.
func (s *MemorySender) Sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent...)
}

func messageID(reference string) string {
	if reference == "" {
		return fmt.Sprintf("<%s@orgforge>", uuid.New())
	}
	return fmt.Sprintf("<%s.%s@orgforge>", reference, uuid.New().String()[:8])
}
