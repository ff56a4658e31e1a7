package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/hookflow/internal/activity"
	"github.com/petrijr/hookflow/internal/persistence"
	"github.com/petrijr/hookflow/internal/taskqueue"
	"github.com/petrijr/hookflow/pkg/api"
	"github.com/petrijr/hookflow/pkg/worker"
)

const (
	// DefaultTaskQueue is the queue name recorded on runs when none is set.
	DefaultTaskQueue = "slack-webhook-task-queue"

	// DefaultActivityTimeout bounds an activity attempt that does not set
	// its own start-to-close timeout.
	DefaultActivityTimeout = 10 * time.Second

	// DefaultSweepSchedule is how often active runs are re-advanced.
	DefaultSweepSchedule = "@every 1m"

	// SweepDisabled turns the recovery sweeper off.
	SweepDisabled = "off"
)

// Config describes how to construct an Engine. Zero fields take defaults.
type Config struct {
	Log      persistence.EventLog
	Observer api.Observer
	Logger   *slog.Logger

	TaskQueue string
	IDReuse   api.IDReusePolicy

	// Workers is the size of the activity worker pool.
	Workers       int
	QueueCapacity int

	DefaultActivityTimeout time.Duration
	DefaultRetryPolicy     api.RetryPolicy

	// SweepSchedule is a robfig/cron spec, or SweepDisabled.
	SweepSchedule string
}

// Option adjusts a Config.
type Option func(*Config)

func WithObserver(obs api.Observer) Option {
	return func(c *Config) { c.Observer = obs }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

func WithTaskQueue(name string) Option {
	return func(c *Config) { c.TaskQueue = name }
}

func WithIDReusePolicy(p api.IDReusePolicy) Option {
	return func(c *Config) { c.IDReuse = p }
}

func WithWorkers(n int) Option {
	return func(c *Config) { c.Workers = n }
}

func WithDefaultActivityTimeout(d time.Duration) Option {
	return func(c *Config) { c.DefaultActivityTimeout = d }
}

func WithDefaultRetryPolicy(p api.RetryPolicy) Option {
	return func(c *Config) { c.DefaultRetryPolicy = p }
}

func WithSweepSchedule(spec string) Option {
	return func(c *Config) { c.SweepSchedule = spec }
}

func (c Config) withDefaults() Config {
	if c.Observer == nil {
		c.Observer = api.NoopObserver{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.TaskQueue == "" {
		c.TaskQueue = DefaultTaskQueue
	}
	if c.Workers <= 0 {
		c.Workers = worker.DefaultPoolSize
	}
	if c.DefaultActivityTimeout <= 0 {
		c.DefaultActivityTimeout = DefaultActivityTimeout
	}
	if c.DefaultRetryPolicy.IsZero() {
		c.DefaultRetryPolicy = api.DefaultRetryPolicy()
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = DefaultSweepSchedule
	}
	return c
}

// Engine is the durable workflow engine. Runs advance by replaying their
// history through the registered workflow function; activities execute on a
// bounded worker pool and their outcomes are appended to the event log.
type Engine struct {
	cfg      Config
	log      persistence.EventLog
	observer api.Observer
	logger   *slog.Logger

	mu        sync.RWMutex
	workflows map[string]api.WorkflowFunc

	activities *activity.Registry
	queue      *taskqueue.InMemoryQueue
	pool       *worker.Pool
	executor   *activity.Executor
	sweeper    *cron.Cron

	locks *runLocks

	// dispatched holds "runID/seq" of activities whose outcome is awaited
	// by this process.
	dispatchMu sync.Mutex
	dispatched map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

var _ api.Engine = (*Engine)(nil)

// NewEngineWithConfig creates an Engine and starts its worker pool and
// sweeper.
func NewEngineWithConfig(cfg Config) (*Engine, error) {
	if cfg.Log == nil {
		return nil, errors.New("hookflow: engine needs an event log")
	}
	cfg = cfg.withDefaults()
	if err := cfg.DefaultRetryPolicy.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		log:        cfg.Log,
		observer:   cfg.Observer,
		logger:     cfg.Logger,
		workflows:  make(map[string]api.WorkflowFunc),
		activities: activity.NewRegistry(),
		queue:      taskqueue.NewInMemoryQueue(cfg.QueueCapacity),
		locks:      newRunLocks(),
		dispatched: make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	e.executor = activity.NewExecutor(e.queue)
	e.pool = worker.NewPool(
		worker.New(e.activities, e.queue, worker.WithObserver(e.observer)),
		cfg.Workers,
		e.logger,
	)

	if cfg.SweepSchedule != SweepDisabled {
		e.sweeper = cron.New()
		if _, err := e.sweeper.AddFunc(cfg.SweepSchedule, e.sweep); err != nil {
			cancel()
			return nil, fmt.Errorf("hookflow: sweep schedule %q: %w", cfg.SweepSchedule, err)
		}
	}

	if err := e.pool.Start(ctx); err != nil {
		cancel()
		return nil, err
	}
	if e.sweeper != nil {
		e.sweeper.Start()
	}
	return e, nil
}

func newEngine(log persistence.EventLog, opts []Option) (*Engine, error) {
	cfg := Config{Log: log}
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewEngineWithConfig(cfg)
}

// NewInMemoryEngine returns an Engine whose history lives in process memory.
func NewInMemoryEngine(opts ...Option) (*Engine, error) {
	return newEngine(persistence.NewInMemoryLog(), opts)
}

// NewSQLiteEngine returns an Engine backed by the SQLite database db.
func NewSQLiteEngine(ctx context.Context, db *sql.DB, opts ...Option) (*Engine, error) {
	log, err := persistence.NewSQLiteLog(ctx, db)
	if err != nil {
		return nil, err
	}
	return newEngine(log, opts)
}

// NewPostgresEngine returns an Engine backed by the Postgres database db.
func NewPostgresEngine(ctx context.Context, db *sql.DB, opts ...Option) (*Engine, error) {
	log, err := persistence.NewPostgresLog(ctx, db)
	if err != nil {
		return nil, err
	}
	return newEngine(log, opts)
}

// NewRedisEngine returns an Engine that keeps history in Redis under the
// "hookflow:" key prefix.
func NewRedisEngine(client *redis.Client, opts ...Option) (*Engine, error) {
	return newEngine(persistence.NewRedisLog(client, ""), opts)
}

// NewMongoEngine returns an Engine that keeps history in the "runs"
// collection of dbName.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string, opts ...Option) (*Engine, error) {
	log, err := persistence.NewMongoLog(ctx, client, dbName, "")
	if err != nil {
		return nil, err
	}
	return newEngine(log, opts)
}

func (e *Engine) RegisterWorkflow(name string, fn api.WorkflowFunc) error {
	if name == "" {
		return errors.New("workflow name is required")
	}
	if fn == nil {
		return fmt.Errorf("workflow %q: function is nil", name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.workflows[name]; exists {
		return fmt.Errorf("workflow %q already registered", name)
	}
	e.workflows[name] = fn
	return nil
}

func (e *Engine) RegisterActivity(name string, fn api.ActivityFunc) error {
	return e.activities.Register(name, fn)
}

func (e *Engine) workflow(name string) (api.WorkflowFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.workflows[name]
	return fn, ok
}

// enter registers a public call so Close can wait for it. The caller must
// call e.wg.Done when enter returns nil.
func (e *Engine) enter() error {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return api.ErrEngineClosed
	}
	e.wg.Add(1)
	return nil
}

// goAsync runs fn on its own goroutine under the engine context. It reports
// false if the engine is closed.
func (e *Engine) goAsync(fn func(ctx context.Context)) bool {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
	return true
}

// Close stops the sweeper and the worker pool and waits for in-flight
// calls and advance cycles. Activities still running are abandoned; their
// runs resume on the next Recover.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	e.closeMu.Unlock()

	e.cancel()
	if e.sweeper != nil {
		<-e.sweeper.Stop().Done()
	}
	e.executor.Close()
	e.pool.Stop()
	e.queue.Close()
	e.wg.Wait()
	return nil
}
