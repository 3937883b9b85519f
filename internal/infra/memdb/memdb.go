// Package memdb is an in-memory stand-in for Postgres that understands the
// statements in package sqlinline. Transactions are serialized and roll back
// on error, row locks are implied by that serialization, and notifications
// are only published on commit.
package memdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"productshot/internal/domain"
	"productshot/internal/infra"
)

// ErrCheckViolation mirrors the non-negative balance CHECK constraints.
var ErrCheckViolation = errors.New("memdb: check constraint violated")

// ErrUniqueViolation mirrors the unique indexes on jobs and tasks.
var ErrUniqueViolation = errors.New("memdb: unique constraint violated")

// ErrUnknownStatement is returned for queries that are not sqlinline constants.
var ErrUnknownStatement = errors.New("memdb: unknown statement")

// Notification is one pg_notify call that was committed.
type Notification struct {
	Channel string
	Payload string
}

type state struct {
	profiles  map[string]domain.Profile
	jobs      map[string]domain.Job
	jobSeq    map[string]int
	tasks     map[string]domain.Task
	taskByJob map[string]string
}

func (s state) clone() state {
	out := state{
		profiles:  make(map[string]domain.Profile, len(s.profiles)),
		jobs:      make(map[string]domain.Job, len(s.jobs)),
		jobSeq:    make(map[string]int, len(s.jobSeq)),
		tasks:     make(map[string]domain.Task, len(s.tasks)),
		taskByJob: make(map[string]string, len(s.taskByJob)),
	}
	for k, v := range s.profiles {
		out.profiles[k] = v
	}
	for k, v := range s.jobs {
		out.jobs[k] = v
	}
	for k, v := range s.jobSeq {
		out.jobSeq[k] = v
	}
	for k, v := range s.tasks {
		out.tasks[k] = v
	}
	for k, v := range s.taskByJob {
		out.taskByJob[k] = v
	}
	return out
}

// DB is safe for concurrent use.
type DB struct {
	txMu sync.Mutex

	mu            sync.Mutex
	st            state
	seq           int
	clock         func() time.Time
	failures      map[string]error
	notifications []Notification
	statements    []string
}

// New returns an empty database whose clock is time.Now.
func New() *DB {
	return &DB{
		st: state{
			profiles:  map[string]domain.Profile{},
			jobs:      map[string]domain.Job{},
			jobSeq:    map[string]int{},
			tasks:     map[string]domain.Task{},
			taskByJob: map[string]string{},
		},
		clock:    time.Now,
		failures: map[string]error{},
	}
}

// SetClock replaces the clock used wherever a statement calls now().
func (db *DB) SetClock(clock func() time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.clock = clock
}

// FailOn makes every execution of query return err until cleared with a nil
// error.
func (db *DB) FailOn(query string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err == nil {
		delete(db.failures, query)
		return
	}
	db.failures[query] = err
}

// Exec runs one statement in its own implicit transaction.
func (db *DB) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	db.txMu.Lock()
	defer db.txMu.Unlock()
	res, err := db.autocommit(ctx, query, args)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return res.tag(), nil
}

// QueryRow runs one statement in its own implicit transaction.
func (db *DB) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	db.txMu.Lock()
	defer db.txMu.Unlock()
	res, err := db.autocommit(ctx, query, args)
	if err != nil {
		return row{err: err}
	}
	return res.first()
}

// Query runs one statement in its own implicit transaction.
func (db *DB) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	db.txMu.Lock()
	defer db.txMu.Unlock()
	res, err := db.autocommit(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return &rows{data: res.rows, cmd: res.tag()}, nil
}

// InTx serializes fn against every other statement. State changes and
// notifications are discarded when fn returns an error.
func (db *DB) InTx(ctx context.Context, fn func(tx infra.SQLExecutor) error) error {
	db.txMu.Lock()
	defer db.txMu.Unlock()

	db.mu.Lock()
	snapshot := db.st.clone()
	db.mu.Unlock()

	tx := &txExec{db: db}
	if err := fn(tx); err != nil {
		db.mu.Lock()
		db.st = snapshot
		db.mu.Unlock()
		return err
	}

	db.mu.Lock()
	db.notifications = append(db.notifications, tx.pending...)
	db.mu.Unlock()
	return nil
}

func (db *DB) autocommit(ctx context.Context, query string, args []any) (result, error) {
	var pending []Notification
	res, err := db.run(ctx, query, args, &pending)
	if err != nil {
		return result{}, err
	}
	db.mu.Lock()
	db.notifications = append(db.notifications, pending...)
	db.mu.Unlock()
	return res, nil
}

func (db *DB) run(ctx context.Context, query string, args []any, pending *[]Notification) (result, error) {
	if err := ctx.Err(); err != nil {
		return result{}, err
	}
	marker, err := infra.StatementMarker(query)
	if err != nil {
		return result{}, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	db.statements = append(db.statements, marker)
	if failure, ok := db.failures[query]; ok {
		return result{}, failure
	}
	return db.apply(query, args, pending)
}

type txExec struct {
	db      *DB
	pending []Notification
}

func (t *txExec) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	res, err := t.db.run(ctx, query, args, &t.pending)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return res.tag(), nil
}

func (t *txExec) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	res, err := t.db.run(ctx, query, args, &t.pending)
	if err != nil {
		return row{err: err}
	}
	return res.first()
}

func (t *txExec) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	res, err := t.db.run(ctx, query, args, &t.pending)
	if err != nil {
		return nil, err
	}
	return &rows{data: res.rows, cmd: res.tag()}, nil
}

// Notifications returns the committed notifications on channel in order.
func (db *DB) Notifications(channel string) []Notification {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []Notification
	for _, n := range db.notifications {
		if n.Channel == channel {
			out = append(out, n)
		}
	}
	return out
}

// Statements returns the markers of every statement executed so far,
// including ones that were rolled back.
func (db *DB) Statements() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]string(nil), db.statements...)
}

// SeedProfile creates or overwrites a profile with the given balance.
func (db *DB) SeedProfile(userID string, subscription, purchased int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	now := db.clock()
	db.st.profiles[userID] = domain.Profile{
		UserID:             userID,
		Balance:            domain.Balance{Subscription: subscription, Purchased: purchased},
		Plan:               "free",
		SubscriptionStatus: "inactive",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Profile returns the stored profile of userID.
func (db *DB) Profile(userID string) (domain.Profile, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	p, ok := db.st.profiles[userID]
	return p, ok
}

// Job returns the stored job.
func (db *DB) Job(jobID string) (domain.Job, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	j, ok := db.st.jobs[jobID]
	return j, ok
}

// JobCount returns the number of stored jobs.
func (db *DB) JobCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.st.jobs)
}

// Task returns the task backing jobID.
func (db *DB) Task(jobID string) (domain.Task, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	id, ok := db.st.taskByJob[jobID]
	if !ok {
		return domain.Task{}, false
	}
	return db.st.tasks[id], true
}

// UpdateTask mutates the task backing jobID in place, for simulating states
// such as a crashed worker.
func (db *DB) UpdateTask(jobID string, fn func(*domain.Task)) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	id, ok := db.st.taskByJob[jobID]
	if !ok {
		return fmt.Errorf("memdb: no task for job %s", jobID)
	}
	task := db.st.tasks[id]
	fn(&task)
	db.st.tasks[id] = task
	return nil
}

var _ infra.TxExecutor = (*DB)(nil)
