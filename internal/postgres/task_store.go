package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/go-task-dispatch/internal/scheduler"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskrequest"
)

// ──────────────────────────────────────────────────
// Request groups
// ──────────────────────────────────────────────────

func (s *Store) CreateRequest(ctx context.Context, g *scheduler.TaskGroup) error {
	id := g.Request.ID
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := insertTask(ctx, tx, g); err != nil {
			return err
		}
		return writeChildren(ctx, tx, g)
	})
	if err != nil {
		if isDuplicateKey(err) {
			return &domain.DuplicateRequestError{RequestID: id.String()}
		}
		return fmt.Errorf("create request %s: %w", id.TaskID(), err)
	}
	return nil
}

func (s *Store) LoadGroup(ctx context.Context, id taskrequest.RequestID) (*scheduler.TaskGroup, error) {
	g, _, err := s.loadGroup(ctx, id)
	return g, err
}

func (s *Store) UpdateGroup(ctx context.Context, id taskrequest.RequestID, fn func(g *scheduler.TaskGroup) error) error {
	g, version, err := s.loadGroup(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(g); err != nil {
		return err
	}

	summary, err := json.Marshal(g.Summary)
	if err != nil {
		return fmt.Errorf("encode summary of %s: %w", id.TaskID(), err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE dispatch_tasks
			SET version = version + 1, summary = $3, state = $4,
			    properties_hash = $5, notify_pending = $6
			WHERE request_id = $1 AND version = $2
		`, int64(id), version, summary, string(g.Summary.State),
			nullBytes(g.Summary.PropertiesHash), g.Summary.NotifyPending)
		if err != nil {
			return fmt.Errorf("update task %s: %w", id.TaskID(), err)
		}
		if tag.RowsAffected() == 0 {
			return &domain.ConcurrentUpdateError{Entity: "task", Key: id.TaskID()}
		}
		return writeChildren(ctx, tx, g)
	})
}

func (s *Store) loadGroup(ctx context.Context, id taskrequest.RequestID) (*scheduler.TaskGroup, int64, error) {
	var (
		version          int64
		request, summary []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT version, request, summary FROM dispatch_tasks WHERE request_id = $1
	`, int64(id)).Scan(&version, &request, &summary)
	if err != nil {
		if isNoRows(err) {
			return nil, 0, &domain.TaskNotFoundError{TaskID: id.TaskID()}
		}
		return nil, 0, fmt.Errorf("load task %s: %w", id.TaskID(), err)
	}

	g := &scheduler.TaskGroup{}
	if err := json.Unmarshal(request, &g.Request); err != nil {
		return nil, 0, fmt.Errorf("decode request %s: %w", id.TaskID(), err)
	}
	if err := json.Unmarshal(summary, &g.Summary); err != nil {
		return nil, 0, fmt.Errorf("decode summary %s: %w", id.TaskID(), err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT body FROM dispatch_task_runs WHERE request_id = $1 ORDER BY try_number
	`, int64(id))
	if err != nil {
		return nil, 0, fmt.Errorf("load runs of %s: %w", id.TaskID(), err)
	}
	bodies, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, 0, fmt.Errorf("load runs of %s: %w", id.TaskID(), err)
	}
	for _, body := range bodies {
		var r scheduler.TaskRunResult
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, 0, fmt.Errorf("decode run of %s: %w", id.TaskID(), err)
		}
		g.Runs = append(g.Runs, &r)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT `+toRunColumns+` FROM dispatch_task_to_run
		WHERE request_id = $1
		ORDER BY try_number, slice_index
	`, int64(id))
	if err != nil {
		return nil, 0, fmt.Errorf("load ledger of %s: %w", id.TaskID(), err)
	}
	if g.ToRun, err = collectToRun(rows); err != nil {
		return nil, 0, fmt.Errorf("load ledger of %s: %w", id.TaskID(), err)
	}
	return g, version, nil
}

func insertTask(ctx context.Context, tx pgx.Tx, g *scheduler.TaskGroup) error {
	request, err := json.Marshal(g.Request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	summary, err := json.Marshal(g.Summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO dispatch_tasks
			(request_id, version, request, summary, state, created_at, properties_hash, notify_pending)
		VALUES ($1, 1, $2, $3, $4, $5, $6, $7)
	`, int64(g.Request.ID), request, summary, string(g.Summary.State), g.Summary.CreatedAt,
		nullBytes(g.Summary.PropertiesHash), g.Summary.NotifyPending)
	return err
}

// writeChildren upserts every run and ledger entry of g. Neither is ever
// removed from a group, so an upsert of the full set is a complete write.
func writeChildren(ctx context.Context, tx pgx.Tx, g *scheduler.TaskGroup) error {
	batch := &pgx.Batch{}
	for _, r := range g.Runs {
		body, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode run %s: %w", r.TaskID(), err)
		}
		batch.Queue(`
			INSERT INTO dispatch_task_runs (request_id, try_number, state, modified_at, body)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (request_id, try_number) DO UPDATE
			SET state = EXCLUDED.state, modified_at = EXCLUDED.modified_at, body = EXCLUDED.body
		`, int64(r.RequestID), r.TryNumber, string(r.State), r.ModifiedAt, body)
	}
	for _, t := range g.ToRun {
		dims, err := json.Marshal(t.Dimensions)
		if err != nil {
			return fmt.Errorf("encode dimensions of %s: %w", t.Key(), err)
		}
		batch.Queue(`
			INSERT INTO dispatch_task_to_run (`+toRunColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (request_id, try_number, slice_index) DO UPDATE
			SET queue_number = EXCLUDED.queue_number,
			    expiration = EXCLUDED.expiration,
			    slice_expiration = EXCLUDED.slice_expiration
		`, int64(t.RequestID), t.TryNumber, t.TaskSliceIndex, int64(t.QueueNumber), dims,
			t.Priority, t.CreatedAt, t.Expiration, t.SliceExpiration)
	}
	if batch.Len() == 0 {
		return nil
	}
	return tx.SendBatch(ctx, batch).Close()
}

// ──────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────

const toRunColumns = `request_id, try_number, slice_index, queue_number, dimensions,
	priority, created_at, expiration, slice_expiration`

func scanToRun(r row) (*scheduler.TaskToRun, error) {
	var (
		t         scheduler.TaskToRun
		requestID int64
		queue     int64
		dims      []byte
	)
	err := r.Scan(&requestID, &t.TryNumber, &t.TaskSliceIndex, &queue, &dims,
		&t.Priority, &t.CreatedAt, &t.Expiration, &t.SliceExpiration)
	if err != nil {
		return nil, err
	}
	t.RequestID = taskrequest.RequestID(requestID)
	t.QueueNumber = uint32(queue)
	if err := json.Unmarshal(dims, &t.Dimensions); err != nil {
		return nil, fmt.Errorf("decode dimensions of %s: %w", t.Key(), err)
	}
	return &t, nil
}

func collectToRun(rows pgx.Rows) ([]*scheduler.TaskToRun, error) {
	defer rows.Close()
	var out []*scheduler.TaskToRun
	for rows.Next() {
		t, err := scanToRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) ListToRun(ctx context.Context, queues []uint32, after *scheduler.TaskToRun, limit int) ([]*scheduler.TaskToRun, error) {
	if len(queues) == 0 {
		return nil, nil
	}
	numbers := make([]int64, len(queues))
	for i, q := range queues {
		numbers[i] = int64(q)
	}
	args := []any{numbers, limitArg(limit)}
	cursor := ""
	if after != nil {
		cursor = `AND (priority, created_at, request_id, try_number, slice_index) > ($3, $4, $5, $6, $7)`
		args = append(args, after.Priority, after.CreatedAt, int64(after.RequestID), after.TryNumber, after.TaskSliceIndex)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+toRunColumns+` FROM dispatch_task_to_run
		WHERE queue_number <> 0 AND queue_number = ANY($1) `+cursor+`
		ORDER BY priority, created_at, request_id, try_number, slice_index
		LIMIT $2
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list to run: %w", err)
	}
	out, err := collectToRun(rows)
	if err != nil {
		return nil, fmt.Errorf("list to run: %w", err)
	}
	return out, nil
}

func (s *Store) ListExpiredToRun(ctx context.Context, now time.Time, limit int) ([]*scheduler.TaskToRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+toRunColumns+` FROM dispatch_task_to_run
		WHERE queue_number <> 0 AND slice_expiration <= $1
		ORDER BY priority, created_at, request_id, try_number, slice_index
		LIMIT $2
	`, now, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list expired to run: %w", err)
	}
	out, err := collectToRun(rows)
	if err != nil {
		return nil, fmt.Errorf("list expired to run: %w", err)
	}
	return out, nil
}

func (s *Store) ListStaleRunning(ctx context.Context, before time.Time, limit int) ([]*scheduler.TaskRunResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT body FROM dispatch_task_runs
		WHERE state = $1 AND modified_at < $2
		ORDER BY modified_at
		LIMIT $3
	`, string(domain.StateRunning), before, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list stale running: %w", err)
	}
	bodies, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("list stale running: %w", err)
	}

	out := make([]*scheduler.TaskRunResult, 0, len(bodies))
	for _, body := range bodies {
		var r scheduler.TaskRunResult
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		out = append(out, &r)
	}
	return out, nil
}

func (s *Store) FindDedupCandidate(ctx context.Context, hash []byte, after time.Time) (*scheduler.TaskResultSummary, error) {
	if len(hash) == 0 {
		return nil, nil
	}
	var body []byte
	err := s.pool.QueryRow(ctx, `
		SELECT summary FROM dispatch_tasks
		WHERE properties_hash = $1 AND created_at > $2
		ORDER BY created_at DESC, request_id DESC
		LIMIT 1
	`, hash, after).Scan(&body)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find dedup candidate: %w", err)
	}
	var sm scheduler.TaskResultSummary
	if err := json.Unmarshal(body, &sm); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &sm, nil
}

func (s *Store) ListPendingNotifications(ctx context.Context, limit int) ([]taskrequest.RequestID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT request_id FROM dispatch_tasks
		WHERE notify_pending
		ORDER BY request_id
		LIMIT $1
	`, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list pending notifications: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("list pending notifications: %w", err)
	}

	out := make([]taskrequest.RequestID, len(ids))
	for i, id := range ids {
		out[i] = taskrequest.RequestID(id)
	}
	return out, nil
}

// nullBytes maps an empty hash to NULL so it stays out of the dedup index.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
