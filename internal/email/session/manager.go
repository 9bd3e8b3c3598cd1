// Package session owns the single mailbox connection: connect, authenticate,
// select, the per-session operations, and best-effort disconnect.
package session

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/google/uuid"

	"github.com/gotrs-io/mailrelay/internal/metrics"
)

// State is the lifecycle state of the mailbox session.
type State int32

const (
	StateUnknown State = iota
	StateDisconnected
	StateConnected
	StateAuthenticated
	StateSelected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticated:
		return "AUTH"
	case StateSelected:
		return "SELECTED"
	default:
		return "UNKNOWN"
	}
}

// Config carries the connection settings for one mailbox.
type Config struct {
	Host              string
	Port              int
	TLS               bool
	Username          string
	Password          string
	Folder            string
	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	DisconnectTimeout time.Duration
	IdleDoneTimeout   time.Duration
}

const (
	defaultConnectTimeout    = 5 * time.Second
	defaultCommandTimeout    = 30 * time.Second
	defaultDisconnectTimeout = 5 * time.Second
	defaultIdleDoneTimeout   = 5 * time.Second
)

// Manager serialises every command on the session; no two operations are
// ever in flight at once.
type Manager struct {
	cfg       Config
	logger    *log.Logger
	now       func() time.Time
	newClient clientFactory
	newID     func() string

	opMu sync.Mutex

	mu          sync.Mutex
	client      imapClient
	idleCancel  context.CancelFunc
	sessionID   string
	connectedAt time.Time

	// pendingUIDs are the messages this session flagged \Deleted and has not
	// yet expunged. Guarded by opMu.
	pendingUIDs []imap.UID

	state  atomic.Int32
	pushCh chan struct{}
}

// Option customizes the manager.
type Option func(*Manager)

// WithLogger overrides the logger used for session diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func withClientFactory(factory clientFactory) Option {
	return func(m *Manager) {
		m.newClient = factory
	}
}

// New returns a manager in the UNKNOWN state; nothing is dialed until Connect.
func New(cfg Config, opts ...Option) *Manager {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.Port == 0 {
		if cfg.TLS {
			cfg.Port = 993
		} else {
			cfg.Port = 143
		}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = defaultDisconnectTimeout
	}
	if cfg.IdleDoneTimeout <= 0 {
		cfg.IdleDoneTimeout = defaultIdleDoneTimeout
	}
	m := &Manager{
		cfg:    cfg,
		logger: log.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
		pushCh: make(chan struct{}, 1),
	}
	m.newClient = defaultClientFactory
	for _, opt := range opts {
		opt(m)
	}
	if m.newClient == nil {
		m.newClient = defaultClientFactory
	}
	return m
}

// State returns the current lifecycle state. Safe for concurrent readers.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// User returns the mailbox login.
func (m *Manager) User() string { return m.cfg.Username }

// SessionID identifies the current (or last) connection in logs.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// ConnectedAt reports when the current session was opened; zero when disconnected.
func (m *Manager) ConnectedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return time.Time{}
	}
	return m.connectedAt
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	metrics.SessionState.Set(float64(s))
}

// Connect opens the transport, logs in and selects the configured folder.
func (m *Manager) Connect(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.currentClient() != nil {
		m.drop()
	}
	m.drainPush()
	m.pendingUIDs = nil

	client, err := m.dial(ctx)
	if err != nil {
		metrics.Connects.WithLabelValues("connectivity").Inc()
		return err
	}
	id := m.newID()
	m.mu.Lock()
	m.client = client
	m.sessionID = id
	m.connectedAt = m.now()
	m.mu.Unlock()
	m.setState(StateConnected)
	m.logger.Printf("session: connection %s to %s established", id, m.cfg.Host)

	m.logger.Printf("session: logging in as %s", m.cfg.Username)
	err = m.await(ctx, "login", m.cfg.CommandTimeout, func() error {
		return client.Login(m.cfg.Username, m.cfg.Password).Wait()
	})
	if err = classify("login", err, KindCredentials); err == nil && client.State() != imap.ConnStateAuthenticated {
		err = newError(KindCredentials, "login", fmt.Errorf("wrong imap credentials specified for %s", m.cfg.Username))
	}
	if err != nil {
		m.logger.Printf("session: login failed for %s: %v", m.cfg.Username, err)
		m.drop()
		metrics.Connects.WithLabelValues(KindOf(err).String()).Inc()
		return err
	}
	m.setState(StateAuthenticated)

	err = m.await(ctx, "select", m.cfg.CommandTimeout, func() error {
		_, selErr := client.Select(m.cfg.Folder, nil).Wait()
		return selErr
	})
	if err = classify("select", err, KindMailbox); err == nil && client.State() != imap.ConnStateSelected {
		err = newError(KindMailbox, "select", fmt.Errorf("no folder %s for %s", m.cfg.Folder, m.cfg.Username))
	}
	if err != nil {
		m.logger.Printf("session: select %s failed: %v", m.cfg.Folder, err)
		m.drop()
		metrics.Connects.WithLabelValues(KindOf(err).String()).Inc()
		return err
	}
	m.setState(StateSelected)
	metrics.Connects.WithLabelValues("ok").Inc()
	m.logger.Printf("session: %s selected", m.cfg.Folder)
	return nil
}

type dialResult struct {
	client imapClient
	err    error
}

func (m *Manager) dial(ctx context.Context) (imapClient, error) {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	params := dialParams{Addr: addr, TLS: m.cfg.TLS, Timeout: m.cfg.ConnectTimeout, OnPush: m.onPush}

	results := make(chan dialResult, 1)
	go func() {
		c, err := m.newClient(params)
		results <- dialResult{client: c, err: err}
	}()

	timer := time.NewTimer(m.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case res := <-results:
		if res.err != nil {
			m.logger.Printf("session: unable to connect to %s: %v", addr, res.err)
			return nil, newError(KindConnectivity, "connect", res.err)
		}
		return res.client, nil
	case <-timer.C:
		go closeLate(results)
		m.logger.Printf("session: unable to connect to %s: timeout", addr)
		return nil, newError(KindConnectivity, "connect", fmt.Errorf("no connectivity to %s: %w", addr, ErrTimeout))
	case <-ctx.Done():
		go closeLate(results)
		return nil, ctx.Err()
	}
}

func closeLate(results <-chan dialResult) {
	if res := <-results; res.client != nil {
		_ = res.client.Close()
	}
}

// await runs fn with a deadline. A command that overruns its deadline
// leaves the stream in an unknown position, so the transport is dropped.
func (m *Manager) await(ctx context.Context, op string, timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		m.logger.Printf("session: %s timed out after %s, dropping connection", op, timeout)
		m.drop()
		return newError(KindConnectivity, op, ErrTimeout)
	case <-ctx.Done():
		m.drop()
		return ctx.Err()
	}
}

func (m *Manager) currentClient() imapClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// drop closes the transport without any protocol exchange.
func (m *Manager) drop() {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()
	if client != nil {
		if err := client.Close(); err != nil {
			m.logger.Printf("session: close error: %v", err)
		}
	}
	m.setState(StateDisconnected)
}

func (m *Manager) selected(op string) (imapClient, error) {
	client := m.currentClient()
	if client == nil {
		return nil, newError(KindConnectivity, op, ErrConnectionLost)
	}
	if m.State() != StateSelected {
		return nil, newError(KindServer, op, ErrNotSelected)
	}
	return client, nil
}

func (m *Manager) onPush() {
	select {
	case m.pushCh <- struct{}{}:
	default:
	}
}

func (m *Manager) drainPush() {
	select {
	case <-m.pushCh:
	default:
	}
}

// Search returns the sequence numbers matching criteria.
func (m *Manager) Search(ctx context.Context, criteria *imap.SearchCriteria) ([]uint32, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	client, err := m.selected("search")
	if err != nil {
		return nil, err
	}
	var data *imap.SearchData
	err = m.await(ctx, "search", m.cfg.CommandTimeout, func() error {
		d, searchErr := client.Search(criteria, nil).Wait()
		data = d
		return searchErr
	})
	if err != nil {
		return nil, classify("search", err, KindServer)
	}
	if data == nil {
		return nil, nil
	}
	return data.AllSeqNums(), nil
}

// FetchBody returns the full RFC 822 message without setting \Seen.
func (m *Manager) FetchBody(ctx context.Context, seq uint32) ([]byte, error) {
	return m.fetchSection(ctx, "fetch body", seq, &imap.FetchItemBodySection{Peek: true})
}

// FetchHeader returns only the header block of the message.
func (m *Manager) FetchHeader(ctx context.Context, seq uint32) ([]byte, error) {
	return m.fetchSection(ctx, "fetch header", seq, &imap.FetchItemBodySection{Specifier: imap.PartSpecifierHeader, Peek: true})
}

func (m *Manager) fetchSection(ctx context.Context, op string, seq uint32, section *imap.FetchItemBodySection) ([]byte, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	client, err := m.selected(op)
	if err != nil {
		return nil, err
	}
	opts := &imap.FetchOptions{BodySection: []*imap.FetchItemBodySection{section}}
	var bufs []*imapFetchBuffer
	err = m.await(ctx, op, m.cfg.CommandTimeout, func() error {
		collected, fetchErr := client.Fetch(imap.SeqSetNum(seq), opts).Collect()
		for _, b := range collected {
			bufs = append(bufs, &imapFetchBuffer{seq: b.SeqNum, body: b.FindBodySection(section)})
		}
		return fetchErr
	})
	if err != nil {
		return nil, classify(op, err, KindServer)
	}
	for _, b := range bufs {
		if b.seq == seq && b.body != nil {
			return b.body, nil
		}
	}
	return nil, newError(KindServer, op, fmt.Errorf("message %d: no data returned", seq))
}

type imapFetchBuffer struct {
	seq  uint32
	body []byte
}

// MarkSeen flags one message as processed.
func (m *Manager) MarkSeen(ctx context.Context, seq uint32) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	client, err := m.selected("store seen")
	if err != nil {
		return err
	}
	return m.store(ctx, client, "store seen", []uint32{seq}, imap.FlagSeen)
}

// MarkDeleted flags messages for removal by the next Expunge. With UIDPLUS
// their UIDs are remembered so Expunge removes only these messages.
func (m *Manager) MarkDeleted(ctx context.Context, seqs []uint32) error {
	if len(seqs) == 0 {
		return nil
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	client, err := m.selected("store deleted")
	if err != nil {
		return err
	}
	uidPlus, err := m.supports(ctx, client, imap.CapUIDPlus)
	if err != nil {
		return err
	}
	var uids []imap.UID
	if uidPlus {
		if uids, err = m.fetchUIDs(ctx, client, seqs); err != nil {
			return err
		}
	}
	if err := m.store(ctx, client, "store deleted", seqs, imap.FlagDeleted); err != nil {
		return err
	}
	m.pendingUIDs = append(m.pendingUIDs, uids...)
	return nil
}

func (m *Manager) store(ctx context.Context, client imapClient, op string, seqs []uint32, flag imap.Flag) error {
	flags := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{flag}}
	err := m.await(ctx, op, m.cfg.CommandTimeout, func() error {
		return client.Store(imap.SeqSetNum(seqs...), flags, nil).Close()
	})
	return classify(op, err, KindServer)
}

func (m *Manager) supports(ctx context.Context, client imapClient, capability imap.Cap) (bool, error) {
	var ok bool
	err := m.await(ctx, "capability", m.cfg.CommandTimeout, func() error {
		ok = client.Caps().Has(capability)
		return nil
	})
	if err != nil {
		return false, classify("capability", err, KindServer)
	}
	return ok, nil
}

func (m *Manager) fetchUIDs(ctx context.Context, client imapClient, seqs []uint32) ([]imap.UID, error) {
	var uids []imap.UID
	err := m.await(ctx, "fetch uid", m.cfg.CommandTimeout, func() error {
		bufs, fetchErr := client.Fetch(imap.SeqSetNum(seqs...), &imap.FetchOptions{UID: true}).Collect()
		for _, b := range bufs {
			if b.UID != 0 {
				uids = append(uids, b.UID)
			}
		}
		return fetchErr
	})
	if err != nil {
		return nil, classify("fetch uid", err, KindServer)
	}
	return uids, nil
}

// Expunge permanently removes \Deleted messages and reports how many went.
// With UIDPLUS only messages flagged by MarkDeleted in this session are
// removed; otherwise every \Deleted message in the folder is.
func (m *Manager) Expunge(ctx context.Context) (int, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	client, err := m.selected("expunge")
	if err != nil {
		return 0, err
	}
	uidPlus, err := m.supports(ctx, client, imap.CapUIDPlus)
	if err != nil {
		return 0, err
	}
	expunge := client.Expunge
	if uidPlus {
		if len(m.pendingUIDs) == 0 {
			return 0, nil
		}
		uids := imap.UIDSetNum(m.pendingUIDs...)
		expunge = func() expungeWaiter { return client.UIDExpunge(uids) }
	}
	var removed []uint32
	err = m.await(ctx, "expunge", m.cfg.CommandTimeout, func() error {
		nums, expErr := expunge().Collect()
		removed = nums
		return expErr
	})
	if err != nil {
		return 0, classify("expunge", err, KindServer)
	}
	m.pendingUIDs = nil
	return len(removed), nil
}

// WaitForPush idles until the server pushes a mailbox change, timeout
// elapses, or ctx is cancelled. It reports whether a push was seen.
func (m *Manager) WaitForPush(ctx context.Context, timeout time.Duration) (bool, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	client, err := m.selected("idle")
	if err != nil {
		return false, err
	}

	idleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.setIdleCancel(cancel)
	defer m.setIdleCancel(nil)

	var cmd idleWaiter
	err = m.await(ctx, "idle", m.cfg.CommandTimeout, func() error {
		c, idleErr := client.Idle()
		cmd = c
		return idleErr
	})
	if err != nil {
		return false, classify("idle", err, KindServer)
	}

	ended := make(chan error, 1)
	go func() { ended <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	pushed := false
	select {
	case <-m.pushCh:
		pushed = true
	case <-timer.C:
	case <-idleCtx.Done():
	case endErr := <-ended:
		m.drop()
		if endErr == nil {
			return false, newError(KindConnectivity, "idle", ErrConnectionLost)
		}
		return false, classify("idle", endErr, KindServer)
	}

	if err := m.await(context.Background(), "idle done", m.cfg.IdleDoneTimeout, cmd.Close); err != nil {
		if KindOf(err) == KindConnectivity {
			m.logger.Printf("session: connection to IMAP server lost during idle")
		}
		return pushed, classify("idle done", err, KindServer)
	}
	if ctx.Err() != nil {
		return pushed, ctx.Err()
	}
	return pushed, nil
}

func (m *Manager) setIdleCancel(cancel context.CancelFunc) {
	m.mu.Lock()
	m.idleCancel = cancel
	m.mu.Unlock()
}

func (m *Manager) cancelIdle() {
	m.mu.Lock()
	cancel := m.idleCancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Disconnect unselects the folder and logs out. Any outstanding idle wait is
// cancelled first. UNSELECT is used instead of CLOSE so no message is
// expunged on the way out; without UNSELECT support only LOGOUT is sent. A timeout yields a KindDisconnect error; protocol
// failures are logged and the session is treated as already gone.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.cancelIdle()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	client := m.currentClient()
	if client == nil {
		if m.State() != StateUnknown {
			m.setState(StateDisconnected)
		}
		return nil
	}
	defer m.drop()

	state := client.State()
	steps := []struct {
		op  string
		run func() error
	}{
		{"unselect", func() error {
			if !client.Caps().Has(imap.CapUnselect) {
				return nil
			}
			return client.Unselect().Wait()
		}},
		{"logout", func() error { return client.Logout().Wait() }},
	}
	if state != imap.ConnStateSelected {
		steps = steps[1:]
	}
	for _, step := range steps {
		err := m.await(ctx, step.op, m.cfg.DisconnectTimeout, step.run)
		if err == nil {
			continue
		}
		if KindOf(err) == KindConnectivity {
			m.logger.Printf("session: can't close IMAP connection gracefully, timeout occurred")
			return newError(KindDisconnect, step.op, ErrTimeout)
		}
		if ctx.Err() != nil {
			return newError(KindDisconnect, step.op, ctx.Err())
		}
		m.logger.Printf("session: can't %s session in state %v: %v", step.op, state, err)
		return nil
	}
	m.logger.Printf("session: connection to IMAP server terminated gracefully")
	return nil
}
