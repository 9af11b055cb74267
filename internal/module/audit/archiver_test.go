package audit

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gatherly/ledger/internal/module/ledger"
)

type memSource struct {
	entries []ledger.PaymentAuditLog
}

func (s *memSource) ListAuditLogsBetween(_ context.Context, from, to time.Time) ([]ledger.PaymentAuditLog, error) {
	var out []ledger.PaymentAuditLog
	for _, entry := range s.entries {
		if !entry.CreatedAt.Before(from) && entry.CreatedAt.Before(to) {
			out = append(out, entry)
		}
	}
	return out, nil
}

type memStore struct {
	mu      sync.Mutex
	objects map[string]string
}

func (s *memStore) PutObject(_ context.Context, key string, body io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = make(map[string]string)
	}
	s.objects[key] = string(data)
	return nil
}

func auditEntry(at time.Time, action ledger.AuditAction) ledger.PaymentAuditLog {
	return ledger.PaymentAuditLog{
		ID:        uuid.New(),
		PaymentID: uuid.New(),
		Action:    action,
		Details:   "refund of $10.00 initiated",
		CreatedAt: at,
	}
}

func TestArchiverExportsClosedWindows(t *testing.T) {
	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	source := &memSource{entries: []ledger.PaymentAuditLog{
		auditEntry(base.Add(10*time.Minute), ledger.AuditActionRefundInitiated),
		auditEntry(base.Add(20*time.Minute), ledger.AuditActionRefundCompleted),
		auditEntry(base.Add(90*time.Minute), ledger.AuditActionRefundInitiated),
	}}
	store := &memStore{}

	archiver := NewArchiver(source, store, time.Hour, zap.NewNop())
	archiver.lastExported = base

	// Only the 10:00 window has closed by 11:30.
	require.NoError(t, archiver.ExportDue(context.Background(), base.Add(90*time.Minute)))
	require.Len(t, store.objects, 1)

	content, ok := store.objects["audit/2026/08/29/1000.jsonl"]
	require.True(t, ok, "objects: %v", store.objects)
	assert.Equal(t, 2, strings.Count(content, "\n"), "one JSONL line per entry")
	assert.Contains(t, content, string(ledger.AuditActionRefundCompleted))

	// Once 12:00 passes, the 11:00 window follows.
	require.NoError(t, archiver.ExportDue(context.Background(), base.Add(2*time.Hour)))
	assert.Len(t, store.objects, 2)
}

func TestArchiverSkipsEmptyWindows(t *testing.T) {
	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	store := &memStore{}
	archiver := NewArchiver(&memSource{}, store, time.Hour, zap.NewNop())
	archiver.lastExported = base

	require.NoError(t, archiver.ExportDue(context.Background(), base.Add(3*time.Hour)))
	assert.Empty(t, store.objects)
}
