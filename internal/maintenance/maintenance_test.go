package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"drover/internal/ledger"
	"drover/internal/storage"
	logx "drover/pkg/logx"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	if cfg.ProbeSpec != "*/10 * * * *" || cfg.ReportSpec != "0 4 * * *" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.PruneAfter != 720*time.Hour {
		t.Fatalf("prune_after = %v", cfg.PruneAfter)
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "d.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	j := ledger.New(ledger.Config{}, st, nil, logx.Nop())
	defer j.Close()

	s := New(Config{ReportSpec: "not a cron spec"}, Deps{Journal: j}, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}

func TestPruneRemovesOldRecords(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "d.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	j := ledger.New(ledger.Config{}, st, nil, logx.Nop())
	j.Append(ledger.Record{At: time.Now().Add(-48 * time.Hour), TaskID: "old", AccountID: "a1"})
	j.Append(ledger.Record{At: time.Now(), TaskID: "new", AccountID: "a1"})
	j.Close()

	s := New(Config{PruneAfter: 24 * time.Hour}, Deps{Journal: j}, logx.Nop())
	s.runPrune(context.Background())

	recs, err := j.Query(context.Background(), time.Time{}.Add(time.Millisecond), 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 1 || recs[0].TaskID != "new" {
		t.Fatalf("records after prune = %+v", recs)
	}
}
