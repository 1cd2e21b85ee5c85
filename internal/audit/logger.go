package audit

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"session-authority/internal/audit/domain"
	auditrepo "session-authority/internal/audit/repository"
	"session-authority/internal/logging"
)

// IPExtractor returns the client IP for the request in ctx.
type IPExtractor func(context.Context) string

// AuditLogger records who did what to which session, device or policy. LogEvent never fails the
// caller; admission and logout proceed whether or not the entry was stored.
type AuditLogger interface {
	LogEvent(ctx context.Context, userID, action, resource, metadata string)
}

// Logger stores entries through the audit repository.
type Logger struct {
	repo        auditrepo.Writer
	ipExtractor IPExtractor
	log         logrus.FieldLogger
	now         func() time.Time
}

// NewLogger returns a Logger writing to repo. ipExtractor and log may be nil; without an extractor
// the IP is recorded as "unknown".
func NewLogger(repo auditrepo.Writer, ipExtractor IPExtractor, log logrus.FieldLogger) *Logger {
	if log == nil {
		log = logging.Discard()
	}
	return &Logger{repo: repo, ipExtractor: ipExtractor, log: log, now: time.Now}
}

// LogEvent stores one entry with a time-ordered id.
func (l *Logger) LogEvent(ctx context.Context, userID, action, resource, metadata string) {
	if l.repo == nil {
		return
	}
	ip := "unknown"
	if l.ipExtractor != nil {
		if v := l.ipExtractor(ctx); v != "" {
			ip = v
		}
	}
	at := l.now().UTC()
	entry := &domain.AuditLog{
		ID:        ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String(),
		UserID:    userID,
		Action:    action,
		Resource:  resource,
		IP:        ip,
		Metadata:  truncate(metadata, domain.MaxMetadataLen),
		CreatedAt: at,
	}
	if err := l.repo.Create(ctx, entry); err != nil {
		l.log.WithFields(logrus.Fields{"action": action, "resource": resource, "user_id": userID}).
			WithError(err).Warn("audit: failed to store entry")
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
