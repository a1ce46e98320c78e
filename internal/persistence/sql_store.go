package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/petrijr/campaignflow/pkg/api"
)

// SQLStore is an InstanceStore and HistoryStore backed by database/sql.
// Queries are written with '?' placeholders and rebound per dialect.
type SQLStore struct {
	db      *sql.DB
	dollars bool // PostgreSQL style $n placeholders
}

var _ InstanceStore = (*SQLStore)(nil)

var _ HistoryStore = (*SQLStore)(nil)

// DB returns the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) rebind(query string) string {
	if !s.dollars {
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

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

const instanceColumns = `id, workflow_name, queue, status, current_stage, input, payload, error, kind,
	created_at, started_at, finished_at, deadline, cancel_requested, cancel_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func instanceArgs(inst *api.WorkflowInstance) ([]any, error) {
	r := newInstanceRecord(inst)
	input, err := EncodePayload(r.Input)
	if err != nil {
		return nil, err
	}
	payload, err := EncodePayload(r.Payload)
	if err != nil {
		return nil, err
	}
	return []any{
		r.ID, r.Name, r.Queue, string(r.Status), r.CurrentStage,
		string(input), string(payload), r.Error, string(r.Kind),
		r.CreatedAt, r.StartedAt, r.FinishedAt, r.Deadline,
		r.CancelRequested, r.CancelReason,
	}, nil
}

func scanInstance(row rowScanner) (*api.WorkflowInstance, error) {
	var (
		r              instanceRecord
		status, kind   string
		input, payload sql.NullString
		errStr         sql.NullString
		reason         sql.NullString
	)
	if err := row.Scan(
		&r.ID, &r.Name, &r.Queue, &status, &r.CurrentStage,
		&input, &payload, &errStr, &kind,
		&r.CreatedAt, &r.StartedAt, &r.FinishedAt, &r.Deadline,
		&r.CancelRequested, &reason,
	); err != nil {
		return nil, err
	}
	r.Status = api.Status(status)
	r.Kind = api.FailureKind(kind)
	r.Error = errStr.String
	r.CancelReason = reason.String

	var err error
	if r.Input, err = DecodePayload([]byte(input.String)); err != nil {
		return nil, err
	}
	if r.Payload, err = DecodePayload([]byte(payload.String)); err != nil {
		return nil, err
	}
	return r.instance(), nil
}

func (s *SQLStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	args, err := instanceArgs(inst)
	if err != nil {
		return err
	}
	if _, err := s.GetInstance(ctx, inst.ID); err == nil {
		return ErrInstanceExists
	}
	_, err = s.exec(ctx, `
		INSERT INTO campaign_instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	return err
}

func (s *SQLStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	args, err := instanceArgs(inst)
	if err != nil {
		return err
	}

	// Move id to the WHERE clause.
	args = append(args[1:], args[0])
	res, err := s.exec(ctx, `
		UPDATE campaign_instances
		SET workflow_name = ?, queue = ?, status = ?, current_stage = ?, input = ?, payload = ?,
		    error = ?, kind = ?, created_at = ?, started_at = ?, finished_at = ?, deadline = ?,
		    cancel_requested = ?, cancel_reason = ?
		WHERE id = ?`,
		args...,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}

	return nil
}

func (s *SQLStore) RequestCancel(ctx context.Context, id, reason string) (*api.WorkflowInstance, error) {
	res, err := s.exec(ctx, `
		UPDATE campaign_instances
		SET cancel_requested = ?, cancel_reason = ?
		WHERE id = ?`,
		true, reason, id,
	)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrInstanceNotFound
	}
	return s.GetInstance(ctx, id)
}

func (s *SQLStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+instanceColumns+`
		FROM campaign_instances
		WHERE id = ?`),
		id,
	)
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *SQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM campaign_instances`
	var args []any
	var clauses []string

	if filter.WorkflowName != "" {
		clauses = append(clauses, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return instances, nil
}

func (s *SQLStore) Append(ctx context.Context, o api.StageOutcome) error {
	output, err := EncodePayload(o.Output)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM campaign_history WHERE instance_id = ?`), o.InstanceID).Scan(&n); err != nil {
		return err
	}
	if o.Seq != n {
		return ErrSequenceConflict
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO campaign_history (instance_id, seq, stage, activity, status, output, reason, kind, attempts, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		o.InstanceID, o.Seq, o.Stage, o.Activity, string(o.Status), string(output),
		o.Reason, string(o.Kind), o.Attempts, toNanos(o.RecordedAt),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) Load(ctx context.Context, instanceID string) ([]api.StageOutcome, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT instance_id, seq, stage, activity, status, output, reason, kind, attempts, recorded_at
		FROM campaign_history
		WHERE instance_id = ?
		ORDER BY seq ASC`), instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.StageOutcome
	for rows.Next() {
		var (
			o              api.StageOutcome
			status, kind   string
			output, reason sql.NullString
			at             int64
		)
		if err := rows.Scan(&o.InstanceID, &o.Seq, &o.Stage, &o.Activity, &status, &output, &reason, &kind, &o.Attempts, &at); err != nil {
			return nil, err
		}
		o.Status = api.OutcomeStatus(status)
		o.Kind = api.FailureKind(kind)
		o.Reason = reason.String
		o.RecordedAt = fromNanos(at)
		if o.Output, err = DecodePayload([]byte(output.String)); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLStore) Truncate(ctx context.Context, instanceID string, fromSeq int) error {
	_, err := s.exec(ctx, `DELETE FROM campaign_history WHERE instance_id = ? AND seq >= ?`, instanceID, fromSeq)
	return err
}
