// Package sweeper removes processed mail older than the retention window.
package sweeper

import (
	"bufio"
	"bytes"
	"context"
	"log"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/gotrs-io/mailrelay/internal/metrics"
)

const day = 24 * time.Hour

// Mailbox is the subset of the session the sweeper drives.
type Mailbox interface {
	Search(ctx context.Context, criteria *imap.SearchCriteria) ([]uint32, error)
	FetchHeader(ctx context.Context, seq uint32) ([]byte, error)
	MarkDeleted(ctx context.Context, seqs []uint32) error
	Expunge(ctx context.Context) (int, error)
}

// Sweeper deletes seen messages whose age in whole days exceeds the retention.
type Sweeper struct {
	mailbox   Mailbox
	retention int
	location  *time.Location
	now       func() time.Time
	logger    *log.Logger
}

// Option customizes Sweeper.
type Option func(*Sweeper)

// WithLocation sets the reference timezone for age computation.
func WithLocation(loc *time.Location) Option {
	return func(s *Sweeper) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger overrides the sweeper logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds a sweeper keeping messages for retentionDays whole days.
func New(mailbox Mailbox, retentionDays int, opts ...Option) *Sweeper {
	s := &Sweeper{
		mailbox:   mailbox,
		retention: retentionDays,
		location:  time.UTC,
		now:       time.Now,
		logger:    log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SweepSender marks expired messages from sender deleted, expunges, and
// returns how many were marked.
func (s *Sweeper) SweepSender(ctx context.Context, sender string) (int, error) {
	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "From", Value: sender}},
		Flag:   []imap.Flag{imap.FlagSeen},
	}
	seqs, err := s.mailbox.Search(ctx, criteria)
	if err != nil {
		return 0, err
	}
	if len(seqs) == 0 {
		return 0, nil
	}

	now := s.now()
	var expired []uint32
	for _, seq := range seqs {
		raw, err := s.mailbox.FetchHeader(ctx, seq)
		if err != nil {
			return 0, err
		}
		sent, ok := sentDate(raw, s.location)
		if !ok {
			s.logger.Printf("sweeper: message %d from %s has no usable Date header, keeping", seq, sender)
			continue
		}
		if days := int(now.Sub(sent) / day); days > s.retention {
			expired = append(expired, seq)
		}
	}

	if err := s.mailbox.MarkDeleted(ctx, expired); err != nil {
		return 0, err
	}
	removed, err := s.mailbox.Expunge(ctx)
	if err != nil {
		return 0, err
	}
	if len(expired) > 0 {
		s.logger.Printf("sweeper: %d message(s) from %s deleted, %d expunged", len(expired), sender, removed)
		metrics.MessagesSwept.WithLabelValues(sender).Add(float64(len(expired)))
	}
	return len(expired), nil
}

// sentDate parses the Date header. Elapsed time does not depend on zone, so
// loc only matters for a "-0000" date, whose wall clock is read in loc.
func sentDate(raw []byte, loc *time.Location) (time.Time, bool) {
	if !bytes.HasSuffix(raw, []byte("\r\n\r\n")) && !bytes.HasSuffix(raw, []byte("\n\n")) {
		raw = append(append([]byte(nil), raw...), "\r\n\r\n"...)
	}
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return time.Time{}, false
	}
	header := gomail.Header{Header: gomessage.Header{Header: th}}
	sent, err := header.Date()
	if err != nil || sent.IsZero() {
		return time.Time{}, false
	}
	if strings.Contains(header.Get("Date"), "-0000") {
		sent = time.Date(sent.Year(), sent.Month(), sent.Day(),
			sent.Hour(), sent.Minute(), sent.Second(), sent.Nanosecond(), loc)
	}
	return sent, true
}
