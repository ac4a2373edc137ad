package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"genbot/internal/config"
	"genbot/internal/storage"
	logx "genbot/pkg/logx"
)

const pruneTimeout = 30 * time.Second

// housekeeper prunes old generation records on a cron schedule.
type housekeeper struct {
	c         *cron.Cron
	spec      string
	store     storage.Store
	retention time.Duration
	log       logx.Logger
	now       func() time.Time

	ctx context.Context
}

// newHousekeeper returns nil when there is no schedule or no store.
func newHousekeeper(cfg *config.HousekeepingConfig, store storage.Store, log logx.Logger) (*housekeeper, error) {
	if cfg == nil || strings.TrimSpace(cfg.Schedule) == "" || store == nil {
		return nil, nil
	}
	retention, err := config.ParseDurationOrDefault("housekeeping.retention", cfg.Retention, config.DefaultRetention)
	if err != nil {
		return nil, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("housekeeping.timezone: %w", err)
		}
	}

	h := &housekeeper{
		spec:      strings.TrimSpace(cfg.Schedule),
		store:     store,
		retention: retention,
		log:       log,
		now:       time.Now,
		ctx:       context.Background(),
	}
	cl := cronLogger{log: log}
	h.c = cron.New(
		cron.WithParser(config.CronParser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := h.c.AddFunc(h.spec, h.run); err != nil {
		return nil, fmt.Errorf("housekeeping.schedule: %w", err)
	}
	return h, nil
}

func (h *housekeeper) Start(ctx context.Context) {
	h.ctx = ctx
	h.c.Start()
	h.log.Info("housekeeping scheduled",
		logx.String("schedule", h.spec),
		logx.Duration("retention", h.retention),
		logx.String("tz", h.c.Location().String()),
	)
}

// Stop waits for a prune in progress, bounded by ctx.
func (h *housekeeper) Stop(ctx context.Context) error {
	select {
	case <-h.c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *housekeeper) run() {
	ctx, cancel := context.WithTimeout(h.ctx, pruneTimeout)
	defer cancel()
	if _, err := h.prune(ctx); err != nil && ctx.Err() == nil {
		h.log.Warn("housekeeping prune failed", logx.Err(err))
	}
}

func (h *housekeeper) prune(ctx context.Context) (int, error) {
	before := h.now().Add(-h.retention)
	n, err := h.store.Prune(ctx, before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		h.log.Info("pruned generation records", logx.Int("rows", n), logx.Time("before", before))
	} else {
		h.log.Debug("nothing to prune", logx.Time("before", before))
	}
	return n, nil
}

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
