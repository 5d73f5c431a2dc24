// Package audit writes the append-only trail of every graph write attempt.
// Audit and notification are strictly fire-and-forget: no failure here may
// ever change the outcome of the underlying data write.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strings"

	"github.com/mohammad-safakhou/memgraph/internal/metrics"
	"github.com/mohammad-safakhou/memgraph/internal/store"
)

// Notifier is the injectable side channel pinged when a write is rejected.
// Implementations are best-effort; errors are logged and dropped.
type Notifier interface {
	NotifyRejection(ctx context.Context, tenantID, operation, reason string)
}

// NopNotifier is the default: no external notification.
type NopNotifier struct{}

func (NopNotifier) NotifyRejection(context.Context, string, string, string) {}

type auditStore interface {
	InsertAuditEntry(ctx context.Context, e store.AuditEntry) error
}

type Recorder struct {
	store    auditStore
	notifier Notifier
	logger   *log.Logger
}

func NewRecorder(st auditStore, notifier Notifier, logger *log.Logger) *Recorder {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[AUDIT] ", log.LstdFlags)
	}
	return &Recorder{store: st, notifier: notifier, logger: logger}
}

// Event describes one write attempt, accepted or rejected.
type Event struct {
	Operation   string
	TenantID    string
	ActorID     string
	Contents    []string
	Flagged     bool
	FlagReason  string
	TargetCount int
	Reason      string
}

// Record writes the audit row and, for flagged events, pings the notifier.
// It never returns an error.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	entry := store.AuditEntry{
		Operation:   ev.Operation,
		TenantID:    ev.TenantID,
		ActorID:     ev.ActorID,
		ContentHash: HashContents(ev.Contents),
		Flagged:     ev.Flagged,
		FlagReason:  ev.FlagReason,
		TargetCount: ev.TargetCount,
		Reason:      ev.Reason,
	}
	if err := r.store.InsertAuditEntry(ctx, entry); err != nil {
		r.logger.Printf("audit write failed for %s on tenant %s: %v", ev.Operation, ev.TenantID, err)
	}
	metrics.AuditWrites.WithLabelValues(flagLabel(ev.Flagged)).Inc()
	if ev.Flagged {
		r.notifier.NotifyRejection(ctx, ev.TenantID, ev.Operation, ev.FlagReason)
	}
}

// HashContents produces the stable content hash stored on audit rows.
func HashContents(contents []string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(contents, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}

func flagLabel(flagged bool) string {
	if flagged {
		return "true"
	}
	return "false"
}
