package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskqueues"
)

// Hashes are uint32; they are stored widened to BIGINT.

// ──────────────────────────────────────────────────
// BotDimensions
// ──────────────────────────────────────────────────

func (s *Store) GetBotDimensions(ctx context.Context, botID string) (*taskqueues.BotDimensions, error) {
	var bd taskqueues.BotDimensions
	err := s.pool.QueryRow(ctx, `
		SELECT bot_id, dimensions, updated_at
		FROM dispatch_bot_dimensions
		WHERE bot_id = $1
	`, botID).Scan(&bd.BotID, &bd.Dimensions, &bd.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get bot dimensions %s: %w", botID, err)
	}
	return &bd, nil
}

func (s *Store) PutBotDimensions(ctx context.Context, bd *taskqueues.BotDimensions) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dispatch_bot_dimensions (bot_id, dimensions, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (bot_id) DO UPDATE
		SET dimensions = EXCLUDED.dimensions, updated_at = EXCLUDED.updated_at
	`, bd.BotID, bd.Dimensions, bd.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put bot dimensions %s: %w", bd.BotID, err)
	}
	return nil
}

func (s *Store) DeleteBotDimensions(ctx context.Context, botID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM dispatch_bot_dimensions WHERE bot_id = $1`, botID); err != nil {
		return fmt.Errorf("delete bot dimensions %s: %w", botID, err)
	}
	return nil
}

// FindBots uses array containment, served by the GIN index.
func (s *Store) FindBots(ctx context.Context, flat []string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT bot_id
		FROM dispatch_bot_dimensions
		WHERE dimensions @> $1
		ORDER BY bot_id
		LIMIT $2
	`, flat, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("find bots: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("find bots: %w", err)
	}
	return ids, nil
}

// ──────────────────────────────────────────────────
// BotTaskDimensions
// ──────────────────────────────────────────────────

const botTaskColumns = `bot_id, dimensions_hash, dimensions, valid_until`

func scanBotTask(r row) (*taskqueues.BotTaskDimensions, error) {
	var (
		btd  taskqueues.BotTaskDimensions
		hash int64
	)
	if err := r.Scan(&btd.BotID, &hash, &btd.Dimensions, &btd.ValidUntil); err != nil {
		return nil, err
	}
	btd.DimensionsHash = uint32(hash)
	return &btd, nil
}

func (s *Store) collectBotTasks(rows pgx.Rows) ([]*taskqueues.BotTaskDimensions, error) {
	defer rows.Close()
	var out []*taskqueues.BotTaskDimensions
	for rows.Next() {
		btd, err := scanBotTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bot task dimensions: %w", err)
		}
		out = append(out, btd)
	}
	return out, rows.Err()
}

func (s *Store) GetBotTaskDimensions(ctx context.Context, botID string, hash uint32) (*taskqueues.BotTaskDimensions, error) {
	btd, err := scanBotTask(s.pool.QueryRow(ctx, `
		SELECT `+botTaskColumns+`
		FROM dispatch_bot_task_dimensions
		WHERE bot_id = $1 AND dimensions_hash = $2
	`, botID, int64(hash)))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get bot task dimensions %s/%d: %w", botID, hash, err)
	}
	return btd, nil
}

func (s *Store) ListBotTaskDimensions(ctx context.Context, botID string) ([]*taskqueues.BotTaskDimensions, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+botTaskColumns+`
		FROM dispatch_bot_task_dimensions
		WHERE bot_id = $1
		ORDER BY dimensions_hash
	`, botID)
	if err != nil {
		return nil, fmt.Errorf("list bot task dimensions %s: %w", botID, err)
	}
	return s.collectBotTasks(rows)
}

func (s *Store) PutBotTaskDimensions(ctx context.Context, btd *taskqueues.BotTaskDimensions) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dispatch_bot_task_dimensions (`+botTaskColumns+`)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (bot_id, dimensions_hash) DO UPDATE
		SET dimensions = EXCLUDED.dimensions, valid_until = EXCLUDED.valid_until
	`, btd.BotID, int64(btd.DimensionsHash), btd.Dimensions, btd.ValidUntil)
	if err != nil {
		return fmt.Errorf("put bot task dimensions %s/%d: %w", btd.BotID, btd.DimensionsHash, err)
	}
	return nil
}

func (s *Store) DeleteBotTaskDimensions(ctx context.Context, botID string, hash uint32) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM dispatch_bot_task_dimensions WHERE bot_id = $1 AND dimensions_hash = $2
	`, botID, int64(hash))
	if err != nil {
		return fmt.Errorf("delete bot task dimensions %s/%d: %w", botID, hash, err)
	}
	return nil
}

func (s *Store) DeleteAllBotTaskDimensions(ctx context.Context, botID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM dispatch_bot_task_dimensions WHERE bot_id = $1`, botID); err != nil {
		return fmt.Errorf("delete bot task dimensions %s: %w", botID, err)
	}
	return nil
}

func (s *Store) ListStaleBotTaskDimensions(ctx context.Context, before time.Time) ([]*taskqueues.BotTaskDimensions, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+botTaskColumns+`
		FROM dispatch_bot_task_dimensions
		WHERE valid_until < $1
	`, before)
	if err != nil {
		return nil, fmt.Errorf("list stale bot task dimensions: %w", err)
	}
	return s.collectBotTasks(rows)
}

func (s *Store) DeleteBotTaskDimensionsIfStale(ctx context.Context, botID string, hash uint32, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM dispatch_bot_task_dimensions
		WHERE bot_id = $1 AND dimensions_hash = $2 AND valid_until < $3
	`, botID, int64(hash), now)
	if err != nil {
		return false, fmt.Errorf("delete stale bot task dimensions %s/%d: %w", botID, hash, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ──────────────────────────────────────────────────
// TaskDimensions
// ──────────────────────────────────────────────────

func scanTaskDims(r row) (*taskqueues.TaskDimensions, int64, error) {
	var (
		td      taskqueues.TaskDimensions
		hash    int64
		sets    []byte
		version int64
	)
	if err := r.Scan(&td.Root, &hash, &sets, &version); err != nil {
		return nil, 0, err
	}
	td.DimensionsHash = uint32(hash)
	if err := json.Unmarshal(sets, &td.Sets); err != nil {
		return nil, 0, fmt.Errorf("decode sets of %s/%d: %w", td.Root, hash, err)
	}
	return &td, version, nil
}

func (s *Store) getTaskDims(ctx context.Context, root string, hash uint32) (*taskqueues.TaskDimensions, int64, error) {
	td, version, err := scanTaskDims(s.pool.QueryRow(ctx, `
		SELECT root, dimensions_hash, sets, version
		FROM dispatch_task_dimensions
		WHERE root = $1 AND dimensions_hash = $2
	`, root, int64(hash)))
	if err != nil {
		if isNoRows(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("get task dimensions %s/%d: %w", root, hash, err)
	}
	return td, version, nil
}

func (s *Store) GetTaskDimensions(ctx context.Context, root string, hash uint32) (*taskqueues.TaskDimensions, error) {
	td, _, err := s.getTaskDims(ctx, root, hash)
	return td, err
}

func (s *Store) ListTaskDimensions(ctx context.Context, root string) ([]*taskqueues.TaskDimensions, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT root, dimensions_hash, sets, version
		FROM dispatch_task_dimensions
		WHERE root = $1
		ORDER BY dimensions_hash
	`, root)
	if err != nil {
		return nil, fmt.Errorf("list task dimensions %s: %w", root, err)
	}
	defer rows.Close()

	var out []*taskqueues.TaskDimensions
	for rows.Next() {
		td, _, err := scanTaskDims(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task dimensions: %w", err)
		}
		out = append(out, td)
	}
	return out, rows.Err()
}

func (s *Store) ListStaleTaskDimensions(ctx context.Context, before time.Time) ([]taskqueues.TaskDimensionsKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT root, dimensions_hash
		FROM dispatch_task_dimensions
		WHERE valid_until < $1
	`, before)
	if err != nil {
		return nil, fmt.Errorf("list stale task dimensions: %w", err)
	}
	defer rows.Close()

	var out []taskqueues.TaskDimensionsKey
	for rows.Next() {
		var (
			k    taskqueues.TaskDimensionsKey
			hash int64
		)
		if err := rows.Scan(&k.Root, &hash); err != nil {
			return nil, fmt.Errorf("scan task dimensions key: %w", err)
		}
		k.Hash = uint32(hash)
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTaskDimensions(ctx context.Context, root string, hash uint32, fn func(td *taskqueues.TaskDimensions) bool) error {
	td, version, err := s.getTaskDims(ctx, root, hash)
	if err != nil {
		return err
	}
	if td == nil {
		td = &taskqueues.TaskDimensions{Root: root, DimensionsHash: hash}
	}
	if !fn(td) {
		return nil
	}

	conflict := &domain.ConcurrentUpdateError{
		Entity: "task dimensions",
		Key:    root + "/" + strconv.FormatUint(uint64(hash), 10),
	}

	if len(td.Sets) == 0 {
		if version == 0 {
			return nil
		}
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM dispatch_task_dimensions
			WHERE root = $1 AND dimensions_hash = $2 AND version = $3
		`, root, int64(hash), version)
		if err != nil {
			return fmt.Errorf("delete task dimensions %s: %w", conflict.Key, err)
		}
		if tag.RowsAffected() == 0 {
			return conflict
		}
		return nil
	}

	sets, err := json.Marshal(td.Sets)
	if err != nil {
		return fmt.Errorf("encode sets of %s: %w", conflict.Key, err)
	}

	if version == 0 {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO dispatch_task_dimensions (root, dimensions_hash, sets, valid_until, version)
			VALUES ($1, $2, $3, $4, 1)
			ON CONFLICT (root, dimensions_hash) DO NOTHING
		`, root, int64(hash), sets, td.ValidUntil())
		if err != nil {
			return fmt.Errorf("insert task dimensions %s: %w", conflict.Key, err)
		}
		if tag.RowsAffected() == 0 {
			return conflict
		}
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatch_task_dimensions
		SET sets = $4, valid_until = $5, version = version + 1
		WHERE root = $1 AND dimensions_hash = $2 AND version = $3
	`, root, int64(hash), version, sets, td.ValidUntil())
	if err != nil {
		return fmt.Errorf("update task dimensions %s: %w", conflict.Key, err)
	}
	if tag.RowsAffected() == 0 {
		return conflict
	}
	return nil
}
