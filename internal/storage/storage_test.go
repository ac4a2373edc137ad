package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "genbot/pkg/logx"
)

func openTestStore(t *testing.T, driver string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "genbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "mysql"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTestStore(t, driver)
			base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

			records := []Generation{
				{ID: "a", At: base.Add(-48 * time.Hour), UserID: 1, Kind: "photo", Status: StatusFinished},
				{ID: "b", At: base.Add(-time.Hour), UserID: 1, Kind: "photo", Status: StatusFinished},
				{ID: "c", At: base.Add(-time.Hour), UserID: 1, Kind: "video", Status: StatusFinished, Prompt: "waves"},
				{ID: "d", At: base.Add(-time.Hour), UserID: 1, Kind: "video", Status: StatusFailed, Error: "quota"},
				{ID: "e", At: base.Add(-time.Hour), UserID: 2, Kind: "text", Status: StatusFinished},
			}
			for _, g := range records {
				if err := st.AppendGeneration(ctx, g); err != nil {
					t.Fatalf("AppendGeneration(%s): %v", g.ID, err)
				}
			}

			got, err := st.CountGenerations(ctx, 1, base.Add(-24*time.Hour))
			if err != nil {
				t.Fatalf("CountGenerations: %v", err)
			}
			if got["photo"] != 1 || got["video"] != 1 || len(got) != 2 {
				t.Fatalf("counts = %v, want photo=1 video=1", got)
			}

			n, err := st.Prune(ctx, base.Add(-24*time.Hour))
			if err != nil {
				t.Fatalf("Prune: %v", err)
			}
			if n != 1 {
				t.Fatalf("pruned %d, want 1", n)
			}
			got, _ = st.CountGenerations(ctx, 1, time.Time{})
			if got["photo"] != 1 {
				t.Fatalf("after prune photo = %d, want 1", got["photo"])
			}

			// Appends keep working after a prune rewrote the file.
			if err := st.AppendGeneration(ctx, Generation{ID: "f", At: base, UserID: 2, Kind: "text", Status: StatusFinished}); err != nil {
				t.Fatalf("AppendGeneration after prune: %v", err)
			}
			got, _ = st.CountGenerations(ctx, 2, time.Time{})
			if got["text"] != 2 {
				t.Fatalf("user 2 text = %d, want 2", got["text"])
			}
		})
	}
}

func TestFileStoreReloads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.AppendGeneration(ctx, Generation{ID: "x", UserID: 7, Kind: "music", Status: StatusFinished}); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendGeneration(ctx, Generation{ID: "y"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("append after close = %v, want ErrClosed", err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	got, err := st.CountGenerations(ctx, 7, time.Time{})
	if err != nil || got["music"] != 1 {
		t.Fatalf("reloaded counts = %v, %v", got, err)
	}
}
