package admin

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/xeonx/timeago"

	"github.com/gotrs-io/mailrelay/internal/auth"
)

const helpText = "Watches the mailbox and forwards camera snapshots here when motion is detected."

// RegisterBuiltins installs the operator commands.
func RegisterBuiltins(reg *Registry, status *StatusService, flags Flags) error {
	builtins := []Command{
		{
			Name:        "start",
			Description: "Start",
			Scope:       auth.ScopeRead,
			Handler: func(context.Context, Request) (string, error) {
				return "No action is required to start.", nil
			},
		},
		{
			Name:        "help",
			Description: "Help",
			Scope:       auth.ScopeRead,
			Handler: func(context.Context, Request) (string, error) {
				var b strings.Builder
				b.WriteString(helpText)
				b.WriteString("\n")
				for _, cmd := range reg.Commands() {
					fmt.Fprintf(&b, "\n/%s - %s", cmd.Name, html.EscapeString(cmd.Description))
				}
				return b.String(), nil
			},
		},
		{
			Name:        "imap_status",
			Description: "Check the IMAP connection state",
			Scope:       auth.ScopeRead,
			Handler: func(context.Context, Request) (string, error) {
				return formatStatus(status.Snapshot()), nil
			},
		},
		{
			Name:        "imap_suppress",
			Description: "Disable notifications",
			Scope:       auth.ScopeAdmin,
			Handler: func(context.Context, Request) (string, error) {
				flags.SetSuppressed(true)
				return "notifications disabled!", nil
			},
		},
		{
			Name:        "imap_unsuppress",
			Description: "Enable notifications",
			Scope:       auth.ScopeAdmin,
			Handler: func(context.Context, Request) (string, error) {
				flags.SetSuppressed(false)
				return "notifications enabled!", nil
			},
		},
	}
	for _, cmd := range builtins {
		if err := reg.Register(cmd); err != nil {
			return err
		}
	}
	return nil
}

func formatStatus(st Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "IMAP connection state: <code>%s</code>\n", st.State)
	if st.ConnectedAt != nil {
		fmt.Fprintf(&b, "session <code>%s</code> opened %s\n",
			html.EscapeString(st.SessionID), timeago.English.FormatReference(*st.ConnectedAt, st.ReportedAt))
	}
	if st.Suppressed {
		b.WriteString("notifications: <code>DISABLED</code>")
	} else {
		b.WriteString("notifications: <code>ENABLED</code>")
	}
	return b.String()
}
