package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/backoffice/audit"
	"github.com/jmcleod/backoffice/internal/clock"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess     AuditEvent = "login_success"
	AuditLoginFailure     AuditEvent = "login_failure"
	AuditLoginRateLimited AuditEvent = "login_rate_limited"
	AuditLogout           AuditEvent = "logout"
	AuditSessionRestored  AuditEvent = "session_restored"
	AuditSessionWarning   AuditEvent = "session_warning"
	AuditSessionExtended  AuditEvent = "session_extended"
	AuditSessionExpired   AuditEvent = "session_expired"
	AuditSessionRevoked   AuditEvent = "session_revoked"
	AuditSignOutFailed    AuditEvent = "signout_failed"
)

// auditLogger writes security audit events to the log and, when
// configured, to the hash-chained trail and the external webhook.
type auditLogger struct {
	logger  *slog.Logger
	clock   clock.Clock
	trail   *audit.Trail
	webhook *audit.Webhook
	alerts  *alertCollector
	metrics *promMetrics
}

func (al *auditLogger) init(logger *slog.Logger, clk clock.Clock) {
	al.logger = logger.With("component", "audit")
	al.clock = clk
	if al.alerts != nil {
		al.alerts.clock = clk
	}
}

// log records event for userID. r may be nil for events raised by the
// session guard rather than a request.
func (al *auditLogger) log(ctx context.Context, event AuditEvent, r *http.Request, userID string, attrs ...slog.Attr) {
	entry := audit.Entry{Event: string(event), UserID: userID}
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("timestamp", al.clock.Now().UTC().Format(time.RFC3339)),
	}
	if userID != "" {
		base = append(base, slog.String("user_id", userID))
	}
	if r != nil {
		entry.RemoteAddr = r.RemoteAddr
		base = append(base, slog.String("remote_addr", r.RemoteAddr))
	}
	if len(attrs) > 0 {
		entry.Attrs = make(map[string]string, len(attrs))
		for _, a := range attrs {
			entry.Attrs[a.Key] = a.Value.String()
		}
	}
	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", append(base, attrs...)...)

	if al.trail != nil {
		stored, err := al.trail.Append(ctx, entry)
		if err != nil {
			al.logger.Error("audit trail append failed", "event", string(event), "error", err)
		} else {
			entry = stored
		}
	}
	if al.webhook != nil {
		if entry.CreatedAt == "" {
			entry.CreatedAt = al.clock.Now().UTC().Format(time.RFC3339Nano)
		}
		al.webhook.Enqueue(entry)
	}
	if al.metrics != nil {
		al.metrics.observeEvent(event)
	}
	al.alerts.recordEvent(event)
}

// logFailure logs a failed or refused request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.String("reason", reason)}, extra...)
	al.log(r.Context(), event, r, "", attrs...)
}
