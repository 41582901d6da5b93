package taskqueues

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
	"github.com/ramiqadoumi/go-task-dispatch/pkg/telemetry"
)

// ErrNoBotID is returned for bot dimensions without an id.
var ErrNoBotID = errors.New("bot dimensions have no id")

// AssertBot records a bot's advertised dimensions. When they differ from the
// stored copy the bot's queue list is rebuilt from every requirement set
// indexed under its id and pools.
func (x *Index) AssertBot(ctx context.Context, bot domain.Dimensions) error {
	botID := bot.ID()
	if botID == "" {
		return ErrNoBotID
	}
	flat := bot.Flatten()

	cur, err := x.store.GetBotDimensions(ctx, botID)
	if err != nil {
		return fmt.Errorf("get bot dimensions %s: %w", botID, err)
	}
	if cur != nil && slices.Equal(cur.Dimensions, flat) {
		return nil
	}
	return x.rebuildBotCache(ctx, botID, bot, flat)
}

func (x *Index) rebuildBotCache(ctx context.Context, botID string, bot domain.Dimensions, flat []string) error {
	now := x.now()

	existing, err := x.store.ListBotTaskDimensions(ctx, botID)
	if err != nil {
		return fmt.Errorf("list bot task dimensions %s: %w", botID, err)
	}

	var (
		mu      sync.Mutex
		matches []uint32
		dropped int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.maxInFlight)

	for _, btd := range existing {
		if domain.FlatMatchedBy(btd.Dimensions, bot) {
			continue
		}
		g.Go(func() error {
			if err := x.store.DeleteBotTaskDimensions(gctx, botID, btd.DimensionsHash); err != nil {
				return fmt.Errorf("delete bot task dimensions %s/%d: %w", botID, btd.DimensionsHash, err)
			}
			mu.Lock()
			dropped++
			mu.Unlock()
			return nil
		})
	}
	// Deletes land before puts: a dropped set may share its hash with a set
	// the bot now matches.
	if err := g.Wait(); err != nil {
		return err
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(x.maxInFlight)
	for _, root := range botRoots(bot) {
		g.Go(func() error {
			tds, err := x.store.ListTaskDimensions(gctx, root)
			if err != nil {
				return fmt.Errorf("list task dimensions %s: %w", root, err)
			}
			for _, td := range tds {
				s := td.MatchBot(bot, now)
				if s == nil {
					continue
				}
				err := x.store.PutBotTaskDimensions(gctx, &BotTaskDimensions{
					BotID:          botID,
					DimensionsHash: td.DimensionsHash,
					Dimensions:     s.Dimensions,
					ValidUntil:     s.ValidUntil,
				})
				if err != nil {
					return fmt.Errorf("put bot task dimensions %s/%d: %w", botID, td.DimensionsHash, err)
				}
				mu.Lock()
				matches = append(matches, td.DimensionsHash)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	err = x.store.PutBotDimensions(ctx, &BotDimensions{BotID: botID, Dimensions: flat, UpdatedAt: now})
	if err != nil {
		return fmt.Errorf("put bot dimensions %s: %w", botID, err)
	}

	slices.Sort(matches)
	matches = slices.Compact(matches)
	if err := x.cache.SetQueues(ctx, botID, matches); err != nil {
		// The store is authoritative; a later GetQueues recomputes.
		x.logger.Warn("cache queues failed", slog.String("bot_id", botID), slog.String("error", err.Error()))
	}

	telemetry.IndexBotRebuilds.Inc()
	x.logger.Info("bot queues rebuilt",
		slog.String("bot_id", botID),
		slog.Int("queues", len(matches)),
		slog.Int("dropped", dropped),
	)
	return nil
}

// GetQueues returns the sorted queue numbers a bot can currently serve. The
// cache answers when it can; otherwise the list is recomputed from the store,
// with concurrent recomputes for one bot collapsed into a single read.
func (x *Index) GetQueues(ctx context.Context, botID string) ([]uint32, error) {
	queues, ok, err := x.cache.GetQueues(ctx, botID)
	switch {
	case err != nil:
		telemetry.IndexQueueLookups.WithLabelValues("error").Inc()
		x.logger.Warn("queue cache read failed", slog.String("bot_id", botID), slog.String("error", err.Error()))
	case ok:
		telemetry.IndexQueueLookups.WithLabelValues("hit").Inc()
		return queues, nil
	default:
		telemetry.IndexQueueLookups.WithLabelValues("miss").Inc()
	}

	v, err, _ := x.recompute.Do(botID, func() (any, error) {
		records, err := x.store.ListBotTaskDimensions(ctx, botID)
		if err != nil {
			return nil, fmt.Errorf("list bot task dimensions %s: %w", botID, err)
		}
		now := x.now()
		out := make([]uint32, 0, len(records))
		for _, r := range records {
			if !r.ValidUntil.Before(now) {
				out = append(out, r.DimensionsHash)
			}
		}
		slices.Sort(out)
		out = slices.Compact(out)
		if err := x.cache.SetQueues(ctx, botID, out); err != nil {
			x.logger.Warn("cache queues failed", slog.String("bot_id", botID), slog.String("error", err.Error()))
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]uint32)), nil
}

// CleanupAfterBot forgets a bot that was permanently removed.
func (x *Index) CleanupAfterBot(ctx context.Context, botID string) error {
	if err := x.store.DeleteAllBotTaskDimensions(ctx, botID); err != nil {
		return fmt.Errorf("delete bot task dimensions %s: %w", botID, err)
	}
	if err := x.store.DeleteBotDimensions(ctx, botID); err != nil {
		return fmt.Errorf("delete bot dimensions %s: %w", botID, err)
	}
	if err := x.cache.DeleteQueues(ctx, botID); err != nil {
		return fmt.Errorf("clear queues of %s: %w", botID, err)
	}
	x.logger.Info("bot removed from index", slog.String("bot_id", botID))
	return nil
}

// ProbeCapacity reports whether at least one known bot satisfies dims.
func (x *Index) ProbeCapacity(ctx context.Context, dims domain.Dimensions) (bool, error) {
	ids, err := x.store.FindBots(ctx, dims.Flatten(), 1)
	if err != nil {
		return false, fmt.Errorf("find bots: %w", err)
	}
	return len(ids) > 0, nil
}
