package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"

	"github.com/tunaaoguzhann/token-activity/core"
	"github.com/tunaaoguzhann/token-activity/directory"
)

// directoryPusher merges pushed records straight into an in-process directory.
type directoryPusher struct {
	store directory.Store
}

func (p directoryPusher) Push(ctx context.Context, rec core.Record) error {
	_, err := p.store.MergeActivity(ctx, directory.SyncFromRecord(rec))
	if errors.Is(err, directory.ErrUserNotFound) {
		return fmt.Errorf("%w: %w", core.ErrDurableRecordGone, err)
	}
	return err
}

func main() {
	ctx := context.Background()
	logger := slog.Make(sloghuman.Sink(os.Stderr)).Leveled(slog.LevelWarn)

	users := directory.NewMemoryStore()
	if err := users.Create(ctx, directory.User{ID: "user-123", Username: "demo"}); err != nil {
		log.Fatalf("Failed to create user: %v", err)
	}

	engine := core.DefaultEngineConfig()
	engine.Budgets = core.Budgets{PerMinute: 100, PerDay: 250}
	manager, err := core.NewManagerWithOptions(core.ManagerOptions{
		Engine: engine,
		Pusher: directoryPusher{store: users},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("Failed to create manager: %v", err)
	}

	user, _ := users.Get(ctx, "user-123")
	outcome, err := manager.Start(ctx, user.ID, user.Seed())
	if err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}
	fmt.Printf("Start: %s\n", outcome)

	for i := 1; i <= 4; i++ {
		decision, usage, err := manager.CheckAndMaybeReset(ctx, user.ID)
		if err != nil {
			log.Fatalf("Failed to check budget: %v", err)
		}
		fmt.Printf("Request %d: %s (minute=%d day=%d)\n", i, decision, usage.UsedPerMinute, usage.UsedPerDay)
		if decision != core.Allowed {
			continue
		}
		if _, err := manager.RecordUsage(ctx, user.ID, 40); err != nil {
			log.Fatalf("Failed to record usage: %v", err)
		}
	}

	ended, err := manager.End(ctx, user.ID)
	if err != nil {
		log.Fatalf("Failed to end session: %v", err)
	}
	fmt.Printf("End: %s\n", ended)

	user, _ = users.Get(ctx, "user-123")
	fmt.Printf("\nDurable counters:\n")
	fmt.Printf("  Day: %s\n", user.UsageDay)
	fmt.Printf("  Used today: %d\n", user.UsedPerDay)
	fmt.Printf("  Total: %d\n", user.TotalUsage)

	outcome, _ = manager.Start(ctx, user.ID, user.Seed())
	decision, usage, _ := manager.CheckAndMaybeReset(ctx, user.ID)
	fmt.Printf("\nNext session %s: %s, still %d used today\n", outcome, decision, usage.UsedPerDay)
}
