package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"wxrelay/internal/storage"
	logx "wxrelay/pkg/logx"
)

func TestPurgeRemovesOnlyExpiredRows(t *testing.T) {
	st, err := storage.Open(storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "m.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	for _, age := range []time.Duration{30 * 24 * time.Hour, time.Hour} {
		err := st.AppendDeliveryLog(ctx, storage.DeliveryLogEntry{
			At:     time.Now().Add(-age),
			Medium: "webhook",
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	r := New(Config{Enabled: true, Retention: 7 * 24 * time.Hour}, st, logx.Nop())
	r.purge()

	// Purging again finds nothing left to delete.
	n, err := st.PurgeDeliveryLog(ctx, time.Now().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 0 {
		t.Fatalf("second purge removed %d rows", n)
	}
}

func TestStartDisabled(t *testing.T) {
	r := New(Config{Enabled: false}, nil, logx.Nop())
	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.Stop()
}

func TestStartRejectsBadSpec(t *testing.T) {
	st, err := storage.Open(storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "m.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	r := New(Config{Enabled: true, PurgeSpec: "not a cron spec"}, st, logx.Nop())
	if err := r.Start(); err == nil {
		t.Fatalf("expected error for invalid spec")
	}
}
