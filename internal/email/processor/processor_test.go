package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/require"
)

const plainMessage = "From: camera@example.com\r\n" +
	"To: watcher@example.com\r\n" +
	"Subject: alert\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"motion detected at camera 1\r\n"

const multipartMessage = "From: camera@example.com\r\n" +
	"Subject: snapshot\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"ZG9vciA8b3Blbj4=\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<div><b>front</b> <script>x()</script><span>yard</span></div>\r\n" +
	"--XYZ\r\n" +
	"Content-Type: image/jpeg\r\n" +
	"Content-Disposition: attachment; filename=snap.jpg\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"/9j/AAEC\r\n" +
	"--XYZ\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=report.pdf\r\n" +
	"\r\n" +
	"%PDF\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"   \r\n" +
	"--XYZ--\r\n"

const mixedCharsetMessage = "From: camera@example.com\r\n" +
	"Subject: event\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=EVT\r\n" +
	"\r\n" +
	"--EVT\r\n" +
	"Content-Type: text/csv\r\n" +
	"\r\n" +
	"cam,event\r\n1,motion\r\n" +
	"--EVT\r\n" +
	"Content-Type: text/plain; charset=x-bogus\r\n" +
	"\r\n" +
	"gate <1>\r\n" +
	"--EVT\r\n" +
	"Content-Type: image/jpeg\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"/9j/AAEC\r\n" +
	"--EVT--\r\n"

const brokenPartMessage = "From: camera@example.com\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=BRK\r\n" +
	"\r\n" +
	"--BRK\r\n" +
	"Content-Type: text/plain\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"!!!not base64!!!\r\n" +
	"--BRK\r\n" +
	"Content-Type: image/jpeg\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"/9j/AAEC\r\n" +
	"--BRK--\r\n"

func newTestProcessor(box *fakeMailbox, sink *recordingNotifier, suppressed bool) *Processor {
	return New(box, sink, staticSuppression(suppressed), WithLogger(log.New(io.Discard, "", 0)))
}

func TestProcessSenderForwardsPlainText(t *testing.T) {
	box := &fakeMailbox{
		unseen: map[string][]uint32{"camera@example.com": {4}},
		bodies: map[uint32]string{4: plainMessage},
	}
	sink := &recordingNotifier{box: box}
	p := newTestProcessor(box, sink, false)

	n, err := p.ProcessSender(context.Background(), "camera@example.com")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"motion detected at camera 1"}, sink.texts)
	require.Empty(t, sink.media)
	require.Equal(t, []uint32{4}, box.seen)
	require.Equal(t, []string{"fetch 4", "text", "seen 4"}, box.calls)
}

func TestProcessSenderSearchCriteria(t *testing.T) {
	box := &fakeMailbox{}
	p := newTestProcessor(box, &recordingNotifier{box: box}, false)

	n, err := p.ProcessSender(context.Background(), "camera@example.com")
	require.NoError(t, err)
	require.Zero(t, n)
	require.NotNil(t, box.lastCriteria)
	require.Equal(t, []imap.SearchCriteriaHeaderField{{Key: "From", Value: "camera@example.com"}}, box.lastCriteria.Header)
	require.Equal(t, []imap.Flag{imap.FlagSeen}, box.lastCriteria.NotFlag)
	require.Empty(t, box.calls)
}

func TestProcessSenderWalksParts(t *testing.T) {
	box := &fakeMailbox{
		unseen: map[string][]uint32{"camera@example.com": {1}},
		bodies: map[uint32]string{1: multipartMessage},
	}
	sink := &recordingNotifier{box: box}
	p := newTestProcessor(box, sink, false)

	_, err := p.ProcessSender(context.Background(), "camera@example.com")
	require.NoError(t, err)
	require.Equal(t, []string{"door &lt;open&gt;", "<b>front</b> yard"}, sink.texts)
	require.Len(t, sink.media, 1)
	require.Equal(t, []byte{0xff, 0xd8, 0xff, 0x00, 0x01, 0x02}, sink.media[0])
	require.Equal(t, []uint32{1}, box.seen)
}

func TestProcessSenderKeepsPartsAfterUnknownCharset(t *testing.T) {
	box := &fakeMailbox{
		unseen: map[string][]uint32{"camera@example.com": {2}},
		bodies: map[uint32]string{2: mixedCharsetMessage},
	}
	sink := &recordingNotifier{box: box}
	p := newTestProcessor(box, sink, false)

	_, err := p.ProcessSender(context.Background(), "camera@example.com")
	require.NoError(t, err)
	require.Equal(t, []string{"cam,event\r\n1,motion", "gate &lt;1&gt;"}, sink.texts)
	require.Equal(t, [][]byte{{0xff, 0xd8, 0xff, 0x00, 0x01, 0x02}}, sink.media)
	require.Equal(t, []string{"fetch 2", "text", "text", "media", "seen 2"}, box.calls)
}

func TestProcessSenderSkipsOnlyUnreadablePart(t *testing.T) {
	box := &fakeMailbox{
		unseen: map[string][]uint32{"camera@example.com": {3}},
		bodies: map[uint32]string{3: brokenPartMessage},
	}
	sink := &recordingNotifier{box: box}
	p := newTestProcessor(box, sink, false)

	_, err := p.ProcessSender(context.Background(), "camera@example.com")
	require.NoError(t, err)
	require.Empty(t, sink.texts)
	require.Equal(t, [][]byte{{0xff, 0xd8, 0xff, 0x00, 0x01, 0x02}}, sink.media)
	require.Equal(t, []uint32{3}, box.seen)
}

func TestExtractReportsSkippedParts(t *testing.T) {
	p := newTestProcessor(&fakeMailbox{}, nil, false)

	_, parts, err := p.extract([]byte(brokenPartMessage))
	require.Error(t, err)
	require.Contains(t, err.Error(), "part 1")
	require.Len(t, parts, 1)
	require.True(t, parts[0].media)
}

func TestProcessSenderCustomMediaTypes(t *testing.T) {
	box := &fakeMailbox{
		unseen: map[string][]uint32{"camera@example.com": {1}},
		bodies: map[uint32]string{1: multipartMessage},
	}
	sink := &recordingNotifier{box: box}
	p := New(box, sink, staticSuppression(false), WithLogger(log.New(io.Discard, "", 0)), WithMediaTypes("application"))

	_, err := p.ProcessSender(context.Background(), "camera@example.com")
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("%PDF")}, sink.media)
}

func TestProcessSenderHeaderSummary(t *testing.T) {
	box := &fakeMailbox{
		unseen: map[string][]uint32{"camera@example.com": {4}},
		bodies: map[uint32]string{4: plainMessage},
	}
	sink := &summaryNotifier{recordingNotifier: recordingNotifier{box: box}}
	p := New(box, sink, staticSuppression(false), WithLogger(log.New(io.Discard, "", 0)), WithHeaderSummary(true))

	_, err := p.ProcessSender(context.Background(), "camera@example.com")
	require.NoError(t, err)
	require.Equal(t, []map[string]string{{"from": "camera@example.com", "subject": "alert"}}, sink.attrs)
	require.Equal(t, []string{"fetch 4", "attributes", "text", "seen 4"}, box.calls)
}

func TestProcessSenderSuppressedStillMarksSeen(t *testing.T) {
	for _, suppressed := range []bool{false, true} {
		t.Run(fmt.Sprintf("suppressed=%v", suppressed), func(t *testing.T) {
			box := &fakeMailbox{
				unseen: map[string][]uint32{"camera@example.com": {1, 2, 3}},
				bodies: map[uint32]string{1: plainMessage, 2: multipartMessage, 3: plainMessage},
			}
			sink := &recordingNotifier{box: box}
			p := newTestProcessor(box, sink, suppressed)

			n, err := p.ProcessSender(context.Background(), "camera@example.com")
			require.NoError(t, err)
			require.Equal(t, 3, n)
			require.Equal(t, []uint32{1, 2, 3}, box.seen)
			if suppressed {
				require.Empty(t, sink.texts)
				require.Empty(t, sink.media)
			} else {
				require.NotEmpty(t, sink.texts)
			}
		})
	}
}

func TestProcessSenderUnparsableMessageIsConsumed(t *testing.T) {
	box := &fakeMailbox{
		unseen: map[string][]uint32{"camera@example.com": {7}},
		bodies: map[uint32]string{7: "no header terminator"},
	}
	sink := &recordingNotifier{box: box}
	p := newTestProcessor(box, sink, false)

	n, err := p.ProcessSender(context.Background(), "camera@example.com")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []uint32{7}, box.seen)
}

func TestProcessSenderPropagatesMailboxErrors(t *testing.T) {
	searchErr := errors.New("search failed")
	box := &fakeMailbox{searchErr: searchErr}
	p := newTestProcessor(box, &recordingNotifier{box: box}, false)
	_, err := p.ProcessSender(context.Background(), "camera@example.com")
	require.ErrorIs(t, err, searchErr)

	fetchErr := errors.New("fetch failed")
	box = &fakeMailbox{
		unseen:   map[string][]uint32{"camera@example.com": {1, 2}},
		bodies:   map[uint32]string{1: plainMessage, 2: plainMessage},
		fetchErr: map[uint32]error{2: fetchErr},
	}
	sink := &recordingNotifier{box: box}
	p = newTestProcessor(box, sink, false)
	n, err := p.ProcessSender(context.Background(), "camera@example.com")
	require.ErrorIs(t, err, fetchErr)
	require.Equal(t, 1, n)
	require.Equal(t, []uint32{1}, box.seen)
}

type fakeMailbox struct {
	unseen       map[string][]uint32
	bodies       map[uint32]string
	searchErr    error
	fetchErr     map[uint32]error
	lastCriteria *imap.SearchCriteria

	seen  []uint32
	calls []string
}

func (b *fakeMailbox) Search(_ context.Context, criteria *imap.SearchCriteria) ([]uint32, error) {
	b.lastCriteria = criteria
	if b.searchErr != nil {
		return nil, b.searchErr
	}
	return b.unseen[criteria.Header[0].Value], nil
}

func (b *fakeMailbox) FetchBody(_ context.Context, seq uint32) ([]byte, error) {
	b.calls = append(b.calls, fmt.Sprintf("fetch %d", seq))
	if err := b.fetchErr[seq]; err != nil {
		return nil, err
	}
	return []byte(b.bodies[seq]), nil
}

func (b *fakeMailbox) MarkSeen(_ context.Context, seq uint32) error {
	b.calls = append(b.calls, fmt.Sprintf("seen %d", seq))
	b.seen = append(b.seen, seq)
	return nil
}

type recordingNotifier struct {
	box   *fakeMailbox
	texts []string
	media [][]byte
}

func (n *recordingNotifier) SendText(_ context.Context, text string) {
	n.box.calls = append(n.box.calls, "text")
	n.texts = append(n.texts, text)
}

func (n *recordingNotifier) SendMedia(_ context.Context, data []byte) {
	n.box.calls = append(n.box.calls, "media")
	n.media = append(n.media, data)
}

type summaryNotifier struct {
	recordingNotifier
	attrs []map[string]string
}

func (n *summaryNotifier) SendAttributes(_ context.Context, attrs map[string]string, _ string) {
	n.box.calls = append(n.box.calls, "attributes")
	n.attrs = append(n.attrs, attrs)
}

type staticSuppression bool

func (s staticSuppression) Suppressed() bool { return bool(s) }
