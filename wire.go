package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/api"
	"prism-board/board"
	"prism-board/config"
	"prism-board/domain"
	"prism-board/layout"
	"prism-board/storage"
	"prism-board/stream"
)

// runtime holds the collaborators built from the configuration.
type runtime struct {
	cfg     *config.Config
	source  board.TaskSource
	cache   *storage.Cache
	redis   *redis.Client
	files   *storage.FileKV
	layouts func(userID string) layout.KV
	health  api.Pinger
	closers []func() error
}

func openRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	rt := &runtime{cfg: cfg}

	var base storage.Source
	if cfg.UseTables() {
		tables, err := storage.NewTableSource(cfg.Storage.ConnectionString, cfg.Storage.TasksTable, cfg.Board.DefaultBoard)
		if err != nil {
			return nil, fmt.Errorf("table storage: %w", err)
		}
		base = tables
	} else {
		db, err := storage.OpenSQLite(cfg.SQLitePath(), cfg.Board.DefaultBoard)
		if err != nil {
			return nil, fmt.Errorf("sqlite storage: %w", err)
		}
		rt.closers = append(rt.closers, db.Close)
		base = db
	}

	var sinks []storage.EventSink
	if opts := cfg.RedisOptions(); opts != nil {
		rt.redis = redis.NewClient(opts)
		rt.closers = append(rt.closers, rt.redis.Close)
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		if cfg.Redis.CacheTTL > 0 {
			rt.cache = storage.NewCache(base, rt.redis, cfg.Redis.CacheTTL)
			base = rt.cache
		}
		sinks = append(sinks, stream.NewPublisher(rt.redis, cfg.Redis.Channel))

		kv := storage.NewRedisKV(rt.redis)
		rt.layouts = func(userID string) layout.KV { return kv.Namespace(userID) }
		rt.health = kv
	} else {
		files, err := storage.NewFileKV(cfg.Layout.Dir)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("layout files: %w", err)
		}
		rt.files = files
		rt.layouts = func(userID string) layout.KV { return files.Namespace(userID) }
		rt.health = files
	}

	if cfg.UseTables() && cfg.Storage.EventsQueue != "" {
		queue, err := storage.NewQueueSink(cfg.Storage.ConnectionString, cfg.Storage.EventsQueue)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("events queue: %w", err)
		}
		sinks = append(sinks, queue)
	}
	if len(sinks) > 0 {
		base = storage.NewEventPublisher(base, sinks...)
	}
	rt.source = base
	return rt, nil
}

func (rt *runtime) boardOptions(logger *log.Logger) board.Options {
	buckets := rt.cfg.StatBuckets()
	sort := rt.cfg.Board.Sort
	groupBy, _ := domain.ParseGroupBy(rt.cfg.Board.GroupBy)
	return board.Options{
		Scopes:  rt.cfg.Board.Scopes,
		Buckets: &buckets,
		Sort:    &sort,
		GroupBy: groupBy,
		Logger:  logger,
	}
}

// onTaskEvent drops cached lists and refetches every open session.
func (rt *runtime) onTaskEvent(ctx context.Context, refresh func(context.Context)) func(domain.TaskEvent) {
	return func(ev domain.TaskEvent) {
		log.WithFields(log.Fields{"type": ev.Type, "task": ev.EntityID, "board": ev.BoardID}).Debug("task event received")
		if rt.cache != nil {
			rt.cache.Invalidate(ctx)
		}
		refresh(ctx)
	}
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			log.WithError(err).Warn("closing runtime")
		}
	}
	rt.closers = nil
}
