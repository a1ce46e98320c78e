package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"
)

// DefaultVisibilityTimeout is how long a claimed but unacknowledged task
// stays invisible before it is delivered again.
const DefaultVisibilityTimeout = 10 * time.Minute

// SQLQueue is a persistent task queue backed by database/sql. Dequeue
// claims a row inside a transaction; Ack deletes it. A claim that is never
// acknowledged (worker crash) expires after the visibility timeout and the
// task is delivered again.
type SQLQueue struct {
	db           *sql.DB
	postgres     bool
	pollInterval time.Duration
	visibility   time.Duration
}

// Ensure SQLQueue implements Queue.
var (
	_ Queue    = (*SQLQueue)(nil)
	_ Extender = (*SQLQueue)(nil)
	_ Requeuer = (*SQLQueue)(nil)
)

// NewSQLiteQueue initializes the tasks table in the given DB and returns a
// new queue. The caller imports the driver, e.g. _ "modernc.org/sqlite".
func NewSQLiteQueue(db *sql.DB) (*SQLQueue, error) {
	q := &SQLQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
		visibility:   DefaultVisibilityTimeout,
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS campaign_tasks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			queue TEXT NOT NULL,
			type TEXT NOT NULL,
			workflow_name TEXT,
			instance_id TEXT,
			reason TEXT,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			claimed_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_campaign_tasks_due ON campaign_tasks(queue, claimed_at, not_before);
	`)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// NewPostgresQueue initializes the tasks table in the given DB and returns
// a new queue. Competing consumers use FOR UPDATE SKIP LOCKED. The caller
// imports the driver, e.g. _ "github.com/jackc/pgx/v5/stdlib".
func NewPostgresQueue(db *sql.DB) (*SQLQueue, error) {
	q := &SQLQueue{
		db:           db,
		postgres:     true,
		pollInterval: 50 * time.Millisecond,
		visibility:   DefaultVisibilityTimeout,
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS campaign_tasks (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			queue TEXT NOT NULL,
			type TEXT NOT NULL,
			workflow_name TEXT,
			instance_id TEXT,
			reason TEXT,
			enqueued_at BIGINT NOT NULL,
			not_before BIGINT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			claimed_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_campaign_tasks_due ON campaign_tasks(queue, claimed_at, not_before)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// SetVisibilityTimeout changes how long a claim lasts.
func (q *SQLQueue) SetVisibilityTimeout(d time.Duration) {
	if d > 0 {
		q.visibility = d
	}
}

// VisibilityTimeout reports how long a claim lasts.
func (q *SQLQueue) VisibilityTimeout() time.Duration {
	return q.visibility
}

func (q *SQLQueue) rebind(query string) string {
	if !q.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (q *SQLQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, time.Now())

	notBefore := t.EnqueuedAt.UnixNano()
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore.UnixNano()
	}

	_, err := q.db.ExecContext(ctx, q.rebind(`
		INSERT INTO campaign_tasks (id, queue, type, workflow_name, instance_id, reason, enqueued_at, not_before, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID,
		t.Queue,
		string(t.Type),
		t.WorkflowName,
		t.InstanceID,
		t.Reason,
		t.EnqueuedAt.UnixNano(),
		notBefore,
		t.Attempts,
	)
	return err
}

// claim tries to take one due task. It returns nil, nil when none is due.
func (q *SQLQueue) claim(ctx context.Context, queue string) (*Task, error) {
	now := time.Now()
	expired := now.Add(-q.visibility).UnixNano()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		SELECT id, type, workflow_name, instance_id, reason, enqueued_at, not_before, attempts
		FROM campaign_tasks
		WHERE queue = ? AND not_before <= ? AND (claimed_at = 0 OR claimed_at < ?)
		ORDER BY not_before, seq
		LIMIT 1`
	if q.postgres {
		query += " FOR UPDATE SKIP LOCKED"
	}

	var (
		t                         Task
		typeStr                   string
		wfName, instID, reason    sql.NullString
		enqueuedAt, notBeforeNano int64
	)
	err = tx.QueryRowContext(ctx, q.rebind(query), queue, now.UnixNano(), expired).
		Scan(&t.ID, &typeStr, &wfName, &instID, &reason, &enqueuedAt, &notBeforeNano, &t.Attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	res, err := tx.ExecContext(ctx, q.rebind(`
		UPDATE campaign_tasks SET claimed_at = ?, attempts = attempts + 1
		WHERE id = ? AND (claimed_at = 0 OR claimed_at < ?)`),
		now.UnixNano(), t.ID, expired)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		// Lost the race to another consumer.
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t.Type = TaskType(typeStr)
	t.Queue = queue
	t.WorkflowName = wfName.String
	t.InstanceID = instID.String
	t.Reason = reason.String
	t.EnqueuedAt = time.Unix(0, enqueuedAt)
	t.NotBefore = time.Unix(0, notBeforeNano)
	t.Attempts++
	t.receipt = t.ID
	return &t, nil
}

func (q *SQLQueue) Dequeue(ctx context.Context, queue string) (*Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		t, err := q.claim(ctx, queue)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}

		// Nothing available: sleep a bit and retry.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *SQLQueue) Ack(ctx context.Context, t *Task) error {
	_, err := q.db.ExecContext(ctx, q.rebind(`DELETE FROM campaign_tasks WHERE id = ?`), t.ID)
	return err
}

// Extend renews the claim on t. A task that was already acknowledged is
// left alone.
func (q *SQLQueue) Extend(ctx context.Context, t *Task) error {
	_, err := q.db.ExecContext(ctx, q.rebind(`
		UPDATE campaign_tasks SET claimed_at = ?
		WHERE id = ? AND claimed_at <> 0`),
		time.Now().UnixNano(), t.ID)
	return err
}

// Requeue releases every claim on queue, making those tasks due again.
// Run it only when no consumer of queue is alive.
func (q *SQLQueue) Requeue(ctx context.Context, queue string) (int, error) {
	res, err := q.db.ExecContext(ctx, q.rebind(`
		UPDATE campaign_tasks SET claimed_at = 0
		WHERE queue = ? AND claimed_at <> 0`),
		queue)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (q *SQLQueue) Len(queue string) int {
	var n int
	err := q.db.QueryRow(q.rebind(`SELECT COUNT(*) FROM campaign_tasks WHERE queue = ? AND claimed_at = 0`), queue).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}

func (q *SQLQueue) Ping(ctx context.Context) error {
	return q.db.PingContext(ctx)
}
