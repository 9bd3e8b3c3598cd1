package admin

import (
	"time"

	"github.com/gotrs-io/mailrelay/internal/email/session"
)

// SessionInfo is the read-only view of the mailbox session.
type SessionInfo interface {
	State() session.State
	SessionID() string
	ConnectedAt() time.Time
	User() string
}

// Flags is the shared runtime state the commands read and toggle.
type Flags interface {
	Suppressed() bool
	SetSuppressed(bool) bool
	Destinations() []int64
}

// Status is the snapshot served by /status and published to redis.
type Status struct {
	State        string     `json:"state"`
	Mailbox      string     `json:"mailbox"`
	SessionID    string     `json:"session_id,omitempty"`
	ConnectedAt  *time.Time `json:"connected_at,omitempty"`
	Suppressed   bool       `json:"suppressed"`
	Destinations int        `json:"destinations"`
	Version      string     `json:"version,omitempty"`
	ReportedAt   time.Time  `json:"reported_at"`
}

// StatusService assembles snapshots from the session and the shared flags.
type StatusService struct {
	session SessionInfo
	flags   Flags
	version string
	now     func() time.Time
}

func NewStatusService(s SessionInfo, flags Flags, version string) *StatusService {
	return &StatusService{session: s, flags: flags, version: version, now: time.Now}
}

// Snapshot reads the current state.
func (s *StatusService) Snapshot() Status {
	st := Status{
		State:        s.session.State().String(),
		Mailbox:      s.session.User(),
		Suppressed:   s.flags.Suppressed(),
		Destinations: len(s.flags.Destinations()),
		Version:      s.version,
		ReportedAt:   s.now().UTC(),
	}
	if at := s.session.ConnectedAt(); !at.IsZero() {
		st.SessionID = s.session.SessionID()
		st.ConnectedAt = &at
	}
	return st
}
