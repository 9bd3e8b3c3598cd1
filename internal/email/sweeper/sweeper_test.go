package sweeper

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/require"
)

func header(date time.Time) []byte {
	return []byte("From: camera@example.com\r\nSubject: alert\r\nDate: " + date.Format(time.RFC1123Z) + "\r\n\r\n")
}

func TestSweepSenderDeletesExpiredOnly(t *testing.T) {
	eet, err := time.LoadLocation("EET")
	require.NoError(t, err)
	now := time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC)
	box := &fakeMailbox{
		seen: []uint32{1, 2, 3, 4},
		headers: map[uint32][]byte{
			1: header(now.Add(-10 * day)),
			2: header(now.Add(-2 * day)),
			3: header(now.Add(-3*day - time.Hour)),
			4: []byte("From: camera@example.com\r\nSubject: undated\r\n\r\n"),
		},
		expungeCount: 1,
	}
	s := New(box, 3, WithLocation(eet), WithClock(func() time.Time { return now }), WithLogger(log.New(io.Discard, "", 0)))

	n, err := s.SweepSender(context.Background(), "camera@example.com")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []uint32{1}, box.deleted)
	require.Equal(t, 1, box.expunges)
	require.Equal(t, []imap.Flag{imap.FlagSeen}, box.criteria.Flag)
	require.Empty(t, box.criteria.NotFlag)
}

func TestSweepSenderBoundaryIsKept(t *testing.T) {
	now := time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC)
	box := &fakeMailbox{
		seen:    []uint32{9},
		headers: map[uint32][]byte{9: header(now.Add(-4*day + time.Minute))},
	}
	s := New(box, 3, WithClock(func() time.Time { return now }), WithLogger(log.New(io.Discard, "", 0)))

	n, err := s.SweepSender(context.Background(), "camera@example.com")
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, box.deleted)
	require.Equal(t, 1, box.expunges)
}

func TestSweepSenderReadsUnknownZoneInLocation(t *testing.T) {
	eet, err := time.LoadLocation("EET")
	require.NoError(t, err)
	now := time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC)
	// 14:00 EEST on 16 June is 11:00 UTC: 4 days 1 hour old. Read as UTC it
	// would be 3 days 22 hours and kept.
	raw := []byte("From: camera@example.com\r\nDate: 16 Jun 2025 14:00:00 -0000\r\n\r\n")
	newBox := func() *fakeMailbox {
		return &fakeMailbox{seen: []uint32{5}, headers: map[uint32][]byte{5: raw}}
	}

	box := newBox()
	s := New(box, 3, WithLocation(eet), WithClock(func() time.Time { return now }), WithLogger(log.New(io.Discard, "", 0)))
	n, err := s.SweepSender(context.Background(), "camera@example.com")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []uint32{5}, box.deleted)

	box = newBox()
	s = New(box, 3, WithClock(func() time.Time { return now }), WithLogger(log.New(io.Discard, "", 0)))
	n, err = s.SweepSender(context.Background(), "camera@example.com")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSweepSenderNoSeenMail(t *testing.T) {
	box := &fakeMailbox{}
	s := New(box, 3, WithLogger(log.New(io.Discard, "", 0)))
	n, err := s.SweepSender(context.Background(), "camera@example.com")
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, box.expunges)
}

func TestSweepSenderHeaderWithoutTerminator(t *testing.T) {
	now := time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC)
	raw := header(now.Add(-30 * day))
	box := &fakeMailbox{
		seen:    []uint32{5},
		headers: map[uint32][]byte{5: raw[:len(raw)-2]},
	}
	s := New(box, 3, WithClock(func() time.Time { return now }), WithLogger(log.New(io.Discard, "", 0)))
	n, err := s.SweepSender(context.Background(), "camera@example.com")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSweepSenderPropagatesErrors(t *testing.T) {
	fetchErr := errors.New("fetch failed")
	box := &fakeMailbox{seen: []uint32{1}, fetchErr: fetchErr}
	s := New(box, 3, WithLogger(log.New(io.Discard, "", 0)))
	_, err := s.SweepSender(context.Background(), "camera@example.com")
	require.ErrorIs(t, err, fetchErr)
	require.Zero(t, box.expunges)

	expungeErr := errors.New("expunge failed")
	box = &fakeMailbox{seen: []uint32{1}, headers: map[uint32][]byte{1: header(time.Now())}, expungeErr: expungeErr}
	s = New(box, 3, WithLogger(log.New(io.Discard, "", 0)))
	_, err = s.SweepSender(context.Background(), "camera@example.com")
	require.ErrorIs(t, err, expungeErr)
}

type fakeMailbox struct {
	seen         []uint32
	headers      map[uint32][]byte
	fetchErr     error
	expungeErr   error
	expungeCount int

	criteria *imap.SearchCriteria
	deleted  []uint32
	expunges int
}

func (b *fakeMailbox) Search(_ context.Context, criteria *imap.SearchCriteria) ([]uint32, error) {
	b.criteria = criteria
	return b.seen, nil
}

func (b *fakeMailbox) FetchHeader(_ context.Context, seq uint32) ([]byte, error) {
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	return b.headers[seq], nil
}

func (b *fakeMailbox) MarkDeleted(_ context.Context, seqs []uint32) error {
	b.deleted = append(b.deleted, seqs...)
	return nil
}

func (b *fakeMailbox) Expunge(context.Context) (int, error) {
	b.expunges++
	return b.expungeCount, b.expungeErr
}
