package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"market_sync_backend/models"
	"market_sync_backend/services/connector"
)

func bar(symbol string, minute int) models.Record {
	return models.Record{
		Symbol:    symbol,
		Timestamp: time.Date(2024, 3, 1, 9, minute, 0, 0, time.UTC),
		Open:      10,
		High:      11,
		Low:       9,
		Close:     10.5,
		Volume:    100,
		Source:    "test",
	}
}

type fixture struct {
	driver  *connector.MemoryDriver
	manager *Manager
	clock   time.Time
}

func newFixture(t *testing.T, retention int) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{driver: connector.NewMemoryDriver(), clock: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)}
	store := connector.New("timeseries", f.driver, connector.Options{}, zap.NewNop())
	if err := store.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	catalog, err := OpenCatalog(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	t.Cleanup(func() { catalog.Close() })

	f.manager = NewManager(store, catalog, Config{Dir: filepath.Join(dir, "backups"), Retention: retention, Tables: []string{"stock_prices"}}, nil, zap.NewNop())
	f.manager.now = func() time.Time {
		f.clock = f.clock.Add(time.Minute)
		return f.clock
	}
	return f
}

func TestCreateBackup_FullSnapshot(t *testing.T) {
	f := newFixture(t, 5)
	f.driver.Seed("stock_prices", bar("PKN", 0), bar("PKO", 0), bar("PKN", 1))

	info, err := f.manager.CreateBackup(context.Background(), models.BackupFull)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if info.RecordCount != 3 || info.Format != FormatJSONL || info.Checksum == "" {
		t.Fatalf("info: %+v", info)
	}
	if !info.Watermark.Equal(bar("PKN", 1).Timestamp) {
		t.Fatalf("watermark: %v", info.Watermark)
	}

	got, err := ReadRecords(info.Path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got["stock_prices"]) != 3 {
		t.Fatalf("records: %+v", got)
	}

	ok, err := f.manager.Verify(context.Background(), info.ID)
	if err != nil || !ok {
		t.Fatalf("verify: %v %v", ok, err)
	}
}

func TestCreateBackup_IncrementalExportsNewerRecords(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	f.driver.Seed("stock_prices", bar("PKN", 0), bar("PKN", 1))
	first, err := f.manager.CreateBackup(ctx, models.BackupIncremental)
	if err != nil {
		t.Fatal(err)
	}
	if first.RecordCount != 2 {
		t.Fatalf("first incremental without watermark exports everything, got %d", first.RecordCount)
	}

	f.driver.Seed("stock_prices", bar("PKO", 1), bar("PKN", 2), bar("PKO", 3))
	second, err := f.manager.CreateBackup(ctx, models.BackupIncremental)
	if err != nil {
		t.Fatal(err)
	}
	if second.RecordCount != 2 {
		t.Fatalf("expected only records after minute 1, got %d", second.RecordCount)
	}
	if !second.Watermark.Equal(bar("PKO", 3).Timestamp) {
		t.Fatalf("watermark: %v", second.Watermark)
	}

	third, err := f.manager.CreateBackup(ctx, models.BackupIncremental)
	if err != nil {
		t.Fatal(err)
	}
	if third.RecordCount != 0 || !third.Watermark.Equal(second.Watermark) {
		t.Fatalf("empty incremental should keep the watermark: %+v", third)
	}
}

func TestCreateBackup_RetentionPrunesOldest(t *testing.T) {
	f := newFixture(t, 2)
	f.driver.Seed("stock_prices", bar("PZU", 0))
	ctx := context.Background()

	var created []models.BackupInfo
	for i := 0; i < 4; i++ {
		info, err := f.manager.CreateBackup(ctx, models.BackupFull)
		if err != nil {
			t.Fatal(err)
		}
		created = append(created, info)
	}

	list, err := f.manager.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != created[3].ID || list[1].ID != created[2].ID {
		t.Fatalf("expected the two newest backups, got %+v", list)
	}
	if _, err := os.Stat(created[0].Path); !os.IsNotExist(err) {
		t.Fatalf("pruned file still present: %v", err)
	}
	if _, err := os.Stat(created[3].Path); err != nil {
		t.Fatalf("kept file missing: %v", err)
	}
}

func TestCreateBackup_RetentionKeepsIncrementalChain(t *testing.T) {
	f := newFixture(t, 5)
	f.driver.Seed("stock_prices", bar("PZU", 0))
	ctx := context.Background()

	full, err := f.manager.CreateBackup(ctx, models.BackupFull)
	if err != nil {
		t.Fatal(err)
	}
	var chain []models.BackupInfo
	for i := 1; i <= 5; i++ {
		f.driver.Seed("stock_prices", bar("PZU", i))
		info, err := f.manager.CreateBackup(ctx, models.BackupIncremental)
		if err != nil {
			t.Fatal(err)
		}
		chain = append(chain, info)
	}

	list, err := f.manager.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 6 || list[5].ID != full.ID {
		t.Fatalf("the chain base must survive: %+v", list)
	}
	if _, err := os.Stat(full.Path); err != nil {
		t.Fatalf("full backup file missing: %v", err)
	}

	next, err := f.manager.CreateBackup(ctx, models.BackupFull)
	if err != nil {
		t.Fatal(err)
	}
	list, err = f.manager.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != next.ID {
		t.Fatalf("older chain must be pruned as a unit: %+v", list)
	}
	for _, b := range append(chain, full) {
		if _, err := os.Stat(b.Path); !os.IsNotExist(err) {
			t.Fatalf("pruned file still present: %s", b.Path)
		}
	}
}

func TestChainsOf(t *testing.T) {
	b := func(id, kind string) models.BackupInfo { return models.BackupInfo{ID: id, Kind: kind} }
	// newest first
	list := []models.BackupInfo{
		b("i4", models.BackupIncremental),
		b("f3", models.BackupFull),
		b("i2", models.BackupIncremental),
		b("f1", models.BackupFull),
		b("i0", models.BackupIncremental),
	}

	chains := chainsOf(list)
	want := [][]string{{"i4", "f3"}, {"i2", "f1"}, {"i0"}}
	if len(chains) != len(want) {
		t.Fatalf("chains: %+v", chains)
	}
	for i := range want {
		if len(chains[i]) != len(want[i]) {
			t.Fatalf("chain %d: %+v", i, chains[i])
		}
		for j, id := range want[i] {
			if chains[i][j].ID != id {
				t.Fatalf("chain %d: %+v", i, chains[i])
			}
		}
	}
}

func TestVerify_DetectsCorruption(t *testing.T) {
	f := newFixture(t, 5)
	f.driver.Seed("stock_prices", bar("CDR", 0))
	info, err := f.manager.CreateBackup(context.Background(), models.BackupFull)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(info.Path, []byte("tampered"), 0644); err != nil {
		t.Fatal(err)
	}
	ok, err := f.manager.Verify(context.Background(), info.ID)
	if err != nil || ok {
		t.Fatalf("expected checksum mismatch, got %v %v", ok, err)
	}

	if _, err := f.manager.Verify(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateBackup_Errors(t *testing.T) {
	m := NewManager(nil, nil, Config{}, nil, zap.NewNop())
	if _, err := m.CreateBackup(context.Background(), models.BackupFull); !errors.Is(err, ErrNoSource) {
		t.Fatalf("expected ErrNoSource, got %v", err)
	}

	f := newFixture(t, 5)
	if _, err := f.manager.CreateBackup(context.Background(), "differential"); err == nil {
		t.Fatal("expected unknown kind error")
	}
}
