package session

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// imapClient is the slice of imapclient.Client the manager drives.
type imapClient interface {
	State() imap.ConnState
	Caps() imap.CapSet
	Login(username, password string) commandWaiter
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	Search(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	Expunge() expungeWaiter
	UIDExpunge(uids imap.UIDSet) expungeWaiter
	Idle() (idleWaiter, error)
	Unselect() commandWaiter
	Logout() commandWaiter
	Close() error
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type expungeWaiter interface {
	Collect() ([]uint32, error)
}
type idleWaiter interface {
	Close() error
	Wait() error
}

// dialParams is what a client factory needs to open a transport.
type dialParams struct {
	Addr    string
	TLS     bool
	Timeout time.Duration
	// OnPush is invoked from the client's reader goroutine on EXISTS/EXPUNGE.
	OnPush func()
}

type clientFactory func(dialParams) (imapClient, error)

func defaultClientFactory(p dialParams) (imapClient, error) {
	opts := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Expunge: func(uint32) {
				if p.OnPush != nil {
					p.OnPush()
				}
			},
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data != nil && data.NumMessages != nil && p.OnPush != nil {
					p.OnPush()
				}
			},
		},
	}
	dialer := &net.Dialer{Timeout: p.Timeout}
	var conn net.Conn
	var err error
	if p.TLS {
		host, _, splitErr := net.SplitHostPort(p.Addr)
		if splitErr != nil {
			host = p.Addr
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", p.Addr, &tls.Config{ServerName: host})
	} else {
		conn, err = dialer.Dial("tcp", p.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.Addr, err)
	}
	return &imapClientWrapper{Client: imapclient.New(conn, opts)}, nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) Search(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.Search(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
func (w *imapClientWrapper) Expunge() expungeWaiter { return w.Client.Expunge() }
func (w *imapClientWrapper) UIDExpunge(uids imap.UIDSet) expungeWaiter {
	return w.Client.UIDExpunge(uids)
}
func (w *imapClientWrapper) Idle() (idleWaiter, error) {
	cmd, err := w.Client.Idle()
	if err != nil {
		return nil, err
	}
	return cmd, nil
}
func (w *imapClientWrapper) Unselect() commandWaiter { return w.Client.Unselect() }
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
