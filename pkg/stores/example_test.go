package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/engine"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	// Create store configuration
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: ":memory:", // Use in-memory database for example
	})
	if err != nil {
		log.Fatal(err)
	}

	// Initialize the database connection
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	// Run migrations
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	// Store is now ready to use
	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_CreateRun demonstrates idempotent run creation.
func ExampleSQLiteStore_CreateRun() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	run := &engine.AuditRun{
		ID:         "run-001",
		TrackingID: "trk-001",
		FicheID:    "fiche-42",
		ConfigID:   "sales-call",
		Status:     engine.RunStatusRunning,
		StepsTotal: 5,
		IsLatest:   true,
		StartedAt:  time.Now(),
	}

	stored, created, err := store.CreateRun(ctx, run)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("created=%v version=%d\n", created, stored.Version)

	// A redelivered request with the same tracking id returns the same run.
	again, created, _ := store.CreateRun(ctx, &engine.AuditRun{
		ID:         "run-002",
		TrackingID: "trk-001",
		FicheID:    "fiche-42",
		ConfigID:   "sales-call",
		Status:     engine.RunStatusRunning,
		IsLatest:   true,
		StartedAt:  time.Now(),
	})
	fmt.Printf("created=%v id=%s\n", created, again.ID)

	// Output:
	// created=true version=1
	// created=false id=run-001
}
