package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/dshills/agentflow-go/store"
)

type cpState struct {
	Counter int    `json:"counter"`
	Label   string `json:"label,omitempty"`
}

// backends returns each Checkpoints implementation under test.
func backends(t *testing.T) map[string]store.Checkpoints[cpState] {
	t.Helper()

	db, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "ckpt.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return map[string]store.Checkpoints[cpState]{
		"memory": store.NewMemCheckpoints[cpState](),
		"sqlite": store.NewSQLCheckpoints[cpState](db),
	}
}

func TestCheckpointsPutLatestWalk(t *testing.T) {
	for name, cps := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := cps.Latest(ctx, "t1"); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("Latest on empty thread = %v, want ErrNotFound", err)
			}

			id1, err := cps.Put(ctx, "t1", "", cpState{Counter: 1}, store.Meta{Step: 1, Next: "b"})
			if err != nil {
				t.Fatalf("Put 1: %v", err)
			}
			id2, err := cps.Put(ctx, "t1", id1, cpState{Counter: 2}, store.Meta{Step: 2, Next: "c"})
			if err != nil {
				t.Fatalf("Put 2: %v", err)
			}
			id3, err := cps.Put(ctx, "t1", id2, cpState{Counter: 3}, store.Meta{Step: 3})
			if err != nil {
				t.Fatalf("Put 3: %v", err)
			}

			tip, err := cps.Latest(ctx, "t1")
			if err != nil {
				t.Fatalf("Latest: %v", err)
			}
			if tip.ID != id3 || tip.State.Counter != 3 || tip.ParentID != id2 {
				t.Fatalf("tip = %+v, want id3 with counter 3", tip)
			}
			if tip.Meta.Step != 3 || tip.Meta.Next != "" {
				t.Fatalf("tip meta = %+v", tip.Meta)
			}

			var walked []store.Checkpoint[cpState]
			if err := cps.Walk(ctx, "t1", func(cp store.Checkpoint[cpState]) error {
				walked = append(walked, cp)
				return nil
			}); err != nil {
				t.Fatalf("Walk: %v", err)
			}
			if len(walked) != 3 {
				t.Fatalf("walked %d checkpoints, want 3", len(walked))
			}
			for i, want := range []string{id1, id2, id3} {
				if walked[i].ID != want {
					t.Errorf("walked[%d].ID = %s, want %s", i, walked[i].ID, want)
				}
			}
			// Oldest-first and parent-linked.
			if walked[0].ParentID != "" || walked[1].ParentID != id1 || walked[2].ParentID != id2 {
				t.Error("parent chain broken")
			}

			t.Run("walk stops early", func(t *testing.T) {
				stop := errors.New("stop")
				seen := 0
				err := cps.Walk(ctx, "t1", func(store.Checkpoint[cpState]) error {
					seen++
					return stop
				})
				if !errors.Is(err, stop) {
					t.Fatalf("Walk err = %v, want stop", err)
				}
				if seen != 1 {
					t.Fatalf("visited %d, want 1", seen)
				}
			})
		})
	}
}

func TestCheckpointsStaleParent(t *testing.T) {
	for name, cps := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			id1, err := cps.Put(ctx, "t2", "", cpState{Counter: 1}, store.Meta{Step: 1})
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if _, err := cps.Put(ctx, "t2", id1, cpState{Counter: 2}, store.Meta{Step: 2}); err != nil {
				t.Fatalf("Put: %v", err)
			}

			t.Run("stale tip rejected", func(t *testing.T) {
				if _, err := cps.Put(ctx, "t2", id1, cpState{Counter: 9}, store.Meta{}); !errors.Is(err, store.ErrStaleParent) {
					t.Fatalf("Put with stale parent = %v, want ErrStaleParent", err)
				}
			})
			t.Run("empty parent on non-empty thread rejected", func(t *testing.T) {
				if _, err := cps.Put(ctx, "t2", "", cpState{}, store.Meta{}); !errors.Is(err, store.ErrStaleParent) {
					t.Fatalf("Put = %v, want ErrStaleParent", err)
				}
			})
			t.Run("unknown parent rejected", func(t *testing.T) {
				if _, err := cps.Put(ctx, "t2", "bogus", cpState{}, store.Meta{}); !errors.Is(err, store.ErrStaleParent) {
					t.Fatalf("Put = %v, want ErrStaleParent", err)
				}
			})
			t.Run("latest-then-put detects intervening writer", func(t *testing.T) {
				tip, err := cps.Latest(ctx, "t2")
				if err != nil {
					t.Fatalf("Latest: %v", err)
				}
				// Another writer commits first.
				if _, err := cps.Put(ctx, "t2", tip.ID, cpState{Counter: 3}, store.Meta{}); err != nil {
					t.Fatalf("Put: %v", err)
				}
				if _, err := cps.Put(ctx, "t2", tip.ID, cpState{Counter: 4}, store.Meta{}); !errors.Is(err, store.ErrStaleParent) {
					t.Fatalf("second Put from same tip = %v, want ErrStaleParent", err)
				}
			})
		})
	}
}

func TestCheckpointsPrune(t *testing.T) {
	for name, cps := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			parent := ""
			var ids []string
			for i := 0; i < 5; i++ {
				id, err := cps.Put(ctx, "t3", parent, cpState{Counter: i}, store.Meta{Step: i})
				if err != nil {
					t.Fatalf("Put %d: %v", i, err)
				}
				ids = append(ids, id)
				parent = id
			}

			if err := cps.Prune(ctx, "t3", 2); err != nil {
				t.Fatalf("Prune: %v", err)
			}

			var remaining []string
			if err := cps.Walk(ctx, "t3", func(cp store.Checkpoint[cpState]) error {
				remaining = append(remaining, cp.ID)
				return nil
			}); err != nil {
				t.Fatalf("Walk: %v", err)
			}
			if len(remaining) != 2 {
				t.Fatalf("remaining = %d, want 2", len(remaining))
			}
			if remaining[1] != ids[4] {
				t.Fatalf("tip pruned: remaining %v", remaining)
			}

			// The tip survives even a keepLast of zero.
			if err := cps.Prune(ctx, "t3", 0); err != nil {
				t.Fatalf("Prune: %v", err)
			}
			tip, err := cps.Latest(ctx, "t3")
			if err != nil || tip.ID != ids[4] {
				t.Fatalf("tip after aggressive prune = %+v (err %v)", tip, err)
			}

			// And new puts still chain off the surviving tip.
			if _, err := cps.Put(ctx, "t3", tip.ID, cpState{Counter: 9}, store.Meta{}); err != nil {
				t.Fatalf("Put after prune: %v", err)
			}
		})
	}
}
