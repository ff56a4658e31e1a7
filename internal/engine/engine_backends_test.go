package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/hookflow/internal/persistence"
	"github.com/petrijr/hookflow/internal/testutil"
	"github.com/petrijr/hookflow/pkg/api"
)

func backendOpts() []Option {
	return []Option{
		WithLogger(slog.New(slog.DiscardHandler)),
		WithDefaultRetryPolicy(fastPolicy(3)),
		WithSweepSchedule(SweepDisabled),
	}
}

// runAddTwice drives one run through a backend-constructed engine.
func runAddTwice(t *testing.T, e *Engine) {
	t.Helper()
	t.Cleanup(func() { _ = e.Close() })

	if err := e.RegisterWorkflow("add-twice", addTwice); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}
	if err := e.RegisterActivity("add-one", addOne); err != nil {
		t.Fatalf("RegisterActivity failed: %v", err)
	}

	ctx := context.Background()
	h, err := e.Start(ctx, "add-twice", "wf-backend", 5)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if h.RunID == "" || h.Existing {
		t.Fatalf("unexpected handle: %+v", h)
	}

	snap := waitForStatus(t, e, "wf-backend", api.StatusCompleted)
	var n int
	if err := snap.Result.Decode(&n); err != nil || n != 7 {
		t.Fatalf("expected 7, got %d (err=%v)", n, err)
	}
}

func TestPostgresEngine(t *testing.T) {
	dsn := testutil.StartPostgresContainer(t)
	db, err := persistence.OpenPostgres(dsn)
	if err != nil {
		t.Fatalf("OpenPostgres failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	e, err := NewPostgresEngine(context.Background(), db, backendOpts()...)
	if err != nil {
		t.Fatalf("NewPostgresEngine failed: %v", err)
	}
	runAddTwice(t, e)
}

func TestRedisEngine(t *testing.T) {
	addr := testutil.StartRedisContainer(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	e, err := NewRedisEngine(client, backendOpts()...)
	if err != nil {
		t.Fatalf("NewRedisEngine failed: %v", err)
	}
	runAddTwice(t, e)
}

func TestMongoEngine(t *testing.T) {
	uri := testutil.StartMongoContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo.Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	e, err := NewMongoEngine(ctx, client, "hookflow_engine_test", backendOpts()...)
	if err != nil {
		t.Fatalf("NewMongoEngine failed: %v", err)
	}
	runAddTwice(t, e)
}
