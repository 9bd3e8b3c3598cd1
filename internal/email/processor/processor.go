// Package processor forwards unseen mail from allow-listed senders.
package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log"
	"strings"

	"github.com/emersion/go-imap/v2"
	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
	htmlcharset "golang.org/x/net/html/charset"

	"github.com/gotrs-io/mailrelay/internal/metrics"
)

const defaultPartLimit = 20 * 1024 * 1024

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// Mailbox is the subset of the session the processor drives.
type Mailbox interface {
	Search(ctx context.Context, criteria *imap.SearchCriteria) ([]uint32, error)
	FetchBody(ctx context.Context, seq uint32) ([]byte, error)
	MarkSeen(ctx context.Context, seq uint32) error
}

// Notifier receives the extracted payloads.
type Notifier interface {
	SendText(ctx context.Context, text string)
	SendMedia(ctx context.Context, data []byte)
}

// AttributeNotifier is implemented by notifiers that can render a header summary.
type AttributeNotifier interface {
	SendAttributes(ctx context.Context, attrs map[string]string, text string)
}

// Suppression reports whether forwarding is currently muted.
type Suppression interface {
	Suppressed() bool
}

// Processor walks new messages part by part and marks each one seen once handled.
type Processor struct {
	mailbox    Mailbox
	notifier   Notifier
	suppressed Suppression
	logger     *log.Logger
	mediaTypes map[string]struct{}
	partLimit  int64
	summary    bool
	policy     *bluemonday.Policy
}

// Option customizes Processor.
type Option func(*Processor)

// WithLogger overrides the processor logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMediaTypes sets the MIME main types forwarded as media (default "image").
func WithMediaTypes(types ...string) Option {
	return func(p *Processor) {
		if len(types) == 0 {
			return
		}
		p.mediaTypes = make(map[string]struct{}, len(types))
		for _, t := range types {
			p.mediaTypes[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
		}
	}
}

// WithPartLimit caps how many decoded bytes are read from one part.
func WithPartLimit(limit int64) Option {
	return func(p *Processor) {
		if limit > 0 {
			p.partLimit = limit
		}
	}
}

// WithHeaderSummary sends a from/date/subject summary ahead of each message's parts.
func WithHeaderSummary(enabled bool) Option {
	return func(p *Processor) {
		p.summary = enabled
	}
}

// New builds a processor.
func New(mailbox Mailbox, notifier Notifier, suppressed Suppression, opts ...Option) *Processor {
	p := &Processor{
		mailbox:    mailbox,
		notifier:   notifier,
		suppressed: suppressed,
		logger:     log.Default(),
		mediaTypes: map[string]struct{}{"image": {}},
		partLimit:  defaultPartLimit,
		policy:     telegramPolicy(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// telegramPolicy keeps only the inline tags the Bot API accepts in HTML mode.
func telegramPolicy() *bluemonday.Policy {
	policy := bluemonday.NewPolicy()
	policy.AllowElements("b", "strong", "i", "em", "u", "ins", "s", "strike", "del", "code", "pre")
	policy.AllowAttrs("href").OnElements("a")
	policy.AllowURLSchemes("http", "https", "mailto")
	policy.RequireParseableURLs(true)
	return policy
}

// ProcessSender forwards every unseen message from sender and returns how
// many were marked seen.
func (p *Processor) ProcessSender(ctx context.Context, sender string) (int, error) {
	criteria := &imap.SearchCriteria{
		Header:  []imap.SearchCriteriaHeaderField{{Key: "From", Value: sender}},
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	seqs, err := p.mailbox.Search(ctx, criteria)
	if err != nil {
		return 0, err
	}
	if len(seqs) == 0 {
		return 0, nil
	}
	p.logger.Printf("processor: %d new message(s) from %s", len(seqs), sender)

	processed := 0
	for _, seq := range seqs {
		raw, err := p.mailbox.FetchBody(ctx, seq)
		if err != nil {
			return processed, err
		}
		if p.suppressed != nil && p.suppressed.Suppressed() {
			p.logger.Printf("processor: notifications suppressed, consuming message %d", seq)
		} else {
			p.forward(ctx, seq, raw)
		}
		if err := p.mailbox.MarkSeen(ctx, seq); err != nil {
			return processed, err
		}
		processed++
		metrics.MessagesProcessed.WithLabelValues(sender).Inc()
	}
	return processed, nil
}

func (p *Processor) forward(ctx context.Context, seq uint32, raw []byte) {
	attrs, parts, err := p.extract(raw)
	if err != nil {
		p.logger.Printf("processor: message %d: %v", seq, err)
	}
	if an, ok := p.notifier.(AttributeNotifier); ok && p.summary && len(attrs) > 0 {
		an.SendAttributes(ctx, attrs, "")
	}
	for _, part := range parts {
		if part.media {
			p.notifier.SendMedia(ctx, part.data)
			continue
		}
		p.notifier.SendText(ctx, string(part.data))
	}
}

type payload struct {
	media bool
	data  []byte
}

// maxPartErrors bounds consecutive structural errors before the walk gives up
// on the rest of a multipart body.
const maxPartErrors = 3

// extract returns the header summary and the forwardable leaf parts in
// message order. A part that cannot be read is skipped and reported in the
// returned error while the walk moves on. A part in an unknown charset or
// transfer encoding is kept with its body undecoded.
func (p *Processor) extract(raw []byte) (map[string]string, []payload, error) {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && (entity == nil || !lenient(err)) {
		return nil, nil, fmt.Errorf("parse message: %w", err)
	}
	if err != nil {
		p.logger.Printf("processor: message body forwarded undecoded: %v", err)
	}
	w := &walker{p: p}
	w.walk(entity)
	return summarize(&gomail.Header{Header: entity.Header}), w.parts, errors.Join(w.skipped...)
}

type walker struct {
	p       *Processor
	leaves  int
	parts   []payload
	skipped []error
}

func (w *walker) walk(e *gomessage.Entity) {
	mr := e.MultipartReader()
	if mr == nil {
		w.leaves++
		out, ok, err := w.p.payloadOf(e)
		if err != nil {
			w.skipped = append(w.skipped, fmt.Errorf("part %d: %w", w.leaves, err))
			return
		}
		if ok {
			w.parts = append(w.parts, out)
		}
		return
	}

	failures := 0
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil && (part == nil || !lenient(err)) {
			w.skipped = append(w.skipped, fmt.Errorf("part after %d: %w", w.leaves, err))
			if failures++; failures >= maxPartErrors {
				w.skipped = append(w.skipped, errors.New("giving up on remaining parts"))
				return
			}
			continue
		}
		failures = 0
		if err != nil {
			w.p.logger.Printf("processor: part %d forwarded undecoded: %v", w.leaves+1, err)
		}
		w.walk(part)
	}
}

func lenient(err error) bool {
	return gomessage.IsUnknownCharset(err) || gomessage.IsUnknownEncoding(err)
}

// payloadOf converts one leaf. ok is false for parts skipped by type or
// carrying no content.
func (p *Processor) payloadOf(e *gomessage.Entity) (payload, bool, error) {
	mediaType := "text/plain"
	if t, _, err := e.Header.ContentType(); err == nil && t != "" {
		mediaType = strings.ToLower(t)
	}
	mainType, _, _ := strings.Cut(mediaType, "/")

	body, err := io.ReadAll(io.LimitReader(e.Body, p.partLimit))
	if err != nil {
		return payload{}, false, fmt.Errorf("read %s: %w", mediaType, err)
	}
	switch {
	case mediaType == "text/html":
		if text := strings.TrimSpace(p.policy.Sanitize(string(body))); text != "" {
			return payload{data: []byte(text)}, true, nil
		}
	case mainType == "text":
		if text := strings.TrimSpace(string(body)); text != "" {
			return payload{data: []byte(html.EscapeString(text))}, true, nil
		}
	default:
		if _, ok := p.mediaTypes[mainType]; ok && len(body) > 0 {
			return payload{media: true, data: body}, true, nil
		}
	}
	return payload{}, false, nil
}

func summarize(header *gomail.Header) map[string]string {
	attrs := make(map[string]string, 3)
	if list, err := header.AddressList("From"); err == nil && len(list) > 0 {
		attrs["from"] = list[0].Address
	} else if from := header.Get("From"); from != "" {
		attrs["from"] = from
	}
	if date := header.Get("Date"); date != "" {
		attrs["date"] = date
	}
	if subject, err := header.Subject(); err == nil && subject != "" {
		attrs["subject"] = subject
	}
	return attrs
}
