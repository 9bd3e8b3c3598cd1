package watch

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/mailrelay/internal/email/session"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeMailbox plays session, processor and sweeper so one journal captures
// the order of every mailbox operation.
type fakeMailbox struct {
	clock *fakeClock
	step  time.Duration

	connectErr  error
	processErr  error
	waitErr     error
	connectsMax int

	calls    []string
	timeouts []time.Duration
	connects int
}

func (f *fakeMailbox) enter(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeMailbox) Connect(context.Context) error {
	f.enter("connect")
	f.connects++
	if f.connectsMax > 0 && f.connects > f.connectsMax {
		return f.connectErr
	}
	if f.connectsMax == 0 && f.connectErr != nil {
		return f.connectErr
	}
	return nil
}

func (f *fakeMailbox) Disconnect(context.Context) error {
	f.enter("disconnect")
	return nil
}

func (f *fakeMailbox) WaitForPush(ctx context.Context, timeout time.Duration) (bool, error) {
	f.enter("wait")
	f.timeouts = append(f.timeouts, timeout)
	if f.waitErr != nil {
		return false, f.waitErr
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.clock.Advance(f.step)
	return false, nil
}

func (f *fakeMailbox) ProcessSender(_ context.Context, sender string) (int, error) {
	f.enter("process " + sender)
	return 0, f.processErr
}

func (f *fakeMailbox) SweepSender(_ context.Context, sender string) (int, error) {
	f.enter("sweep " + sender)
	return 0, nil
}

func newLoop(t *testing.T, box *fakeMailbox, schedule cron.Schedule) *Loop {
	t.Helper()
	return New(box, box, box, Config{
		Senders:         []string{"a@example.com", "b@example.com"},
		SessionDuration: 60 * time.Second,
		IdleTimeout:     60 * time.Second,
		CleanupSchedule: schedule,
	}, WithClock(box.clock.Now), WithLogger(log.New(io.Discard, "", 0)))
}

func every30s(t *testing.T) cron.Schedule {
	t.Helper()
	schedule, err := cron.ParseStandard("@every 30s")
	require.NoError(t, err)
	return schedule
}

func TestRunSessionOrderingAndDuration(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	box := &fakeMailbox{clock: clock, step: 20 * time.Second}
	loop := newLoop(t, box, every30s(t))

	require.NoError(t, loop.RunSession(context.Background()))
	require.Equal(t, []string{
		"connect",
		"process a@example.com", "process b@example.com", "wait",
		"process a@example.com", "process b@example.com", "wait",
		"process a@example.com", "process b@example.com",
		"sweep a@example.com", "sweep b@example.com", "wait",
		"disconnect",
	}, box.calls)
	require.Equal(t, []time.Duration{60 * time.Second, 40 * time.Second, 20 * time.Second}, box.timeouts)
}

func TestRunSessionCleanupDisabled(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	box := &fakeMailbox{clock: clock, step: 20 * time.Second}
	loop := newLoop(t, box, nil)

	require.NoError(t, loop.RunSession(context.Background()))
	require.NotContains(t, box.calls, "sweep a@example.com")
}

func TestRunSessionPropagatesProcessorError(t *testing.T) {
	serverErr := &session.Error{Kind: session.KindServer, Op: "search", Err: errors.New("BAD")}
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	box := &fakeMailbox{clock: clock, step: time.Second, processErr: serverErr}
	loop := newLoop(t, box, every30s(t))

	err := loop.RunSession(context.Background())
	require.ErrorIs(t, err, serverErr)
	require.Equal(t, []string{"connect", "process a@example.com", "disconnect"}, box.calls)
}

func TestRunSessionPropagatesIdleError(t *testing.T) {
	lost := &session.Error{Kind: session.KindConnectivity, Op: "idle done", Err: session.ErrTimeout}
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	box := &fakeMailbox{clock: clock, waitErr: lost}
	loop := newLoop(t, box, nil)

	err := loop.RunSession(context.Background())
	require.True(t, session.IsTransient(err))
	require.Equal(t, "disconnect", box.calls[len(box.calls)-1])
}

func TestRunSessionConnectFailure(t *testing.T) {
	refused := &session.Error{Kind: session.KindCredentials, Op: "login", Err: errors.New("NO")}
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	box := &fakeMailbox{clock: clock, connectErr: refused}
	loop := newLoop(t, box, nil)

	err := loop.RunSession(context.Background())
	require.True(t, session.IsFatal(err))
	require.Equal(t, []string{"connect", "disconnect"}, box.calls)
}

func TestRunSessionCancelled(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	box := &fakeMailbox{clock: clock}
	loop := newLoop(t, box, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := loop.RunSession(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, "disconnect", box.calls[len(box.calls)-1])
}

func TestRunRepeatsSessions(t *testing.T) {
	lost := &session.Error{Kind: session.KindConnectivity, Op: "connect", Err: session.ErrTimeout}
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	box := &fakeMailbox{clock: clock, step: 30 * time.Second, connectErr: lost, connectsMax: 2}
	loop := newLoop(t, box, nil)

	err := loop.Run(context.Background())
	require.ErrorIs(t, err, lost)
	require.Equal(t, 3, box.connects)
}
