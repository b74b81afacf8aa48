package api

import (
	"context"
	"log/slog"

	"github.com/jmcleod/backoffice/auth"
)

// providerAuditEvents maps provider events raised outside a request to
// audit events. Sign-in, restore-on-login and logout are audited by their
// handlers.
var providerAuditEvents = map[auth.EventType]AuditEvent{
	auth.EventRestored:      AuditSessionRestored,
	auth.EventWarning:       AuditSessionWarning,
	auth.EventExtended:      AuditSessionExtended,
	auth.EventExpired:       AuditSessionExpired,
	auth.EventRevoked:       AuditSessionRevoked,
	auth.EventSignOutFailed: AuditSignOutFailed,
}

func (a *API) handleProviderEvent(e auth.Event) {
	event, ok := providerAuditEvents[e.Type]
	if !ok {
		return
	}
	var attrs []slog.Attr
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	a.audit.log(context.Background(), event, nil, e.Session.UserID, attrs...)
}

// handleSessionEnd drops an ended session from the registry. The provider
// is closed off the caller's goroutine since this runs inside its own
// event delivery.
func (a *API) handleSessionEnd(s auth.Session, _ auth.EventType) {
	a.activity.forget(s.Token)
	if p, ok := a.sessions.end(s.Token); ok {
		go p.Close()
	}
}
