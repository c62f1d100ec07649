// Package scheduler периодически применяет временные переходы групп.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
)

const (
	defaultInterval  = 5 * time.Second
	defaultBatchSize = 200
)

var (
	sweepGroups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupbooking_scheduler_groups_total",
		Help: "Total number of due groups handled by the lifecycle scheduler grouped by result.",
	}, []string{"result"})
	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "groupbooking_scheduler_sweep_duration_seconds",
		Help:    "Duration of one lifecycle scheduler sweep.",
		Buckets: prometheus.DefBuckets,
	})
)

// Ticker применяет переходы к одной группе. Реализуется admission.Controller.
type Ticker interface {
	Tick(ctx context.Context, groupID string, now time.Time) (domain.Group, bool, error)
}

// DueLister возвращает группы, которым требуется Tick.
type DueLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Options задаёт параметры планировщика.
type Options struct {
	Logger    *log.Entry
	Clock     domain.Clock
	Interval  time.Duration
	BatchSize int
}

// Option настраивает Scheduler.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithClock задаёт источник времени.
func WithClock(clock domain.Clock) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// WithInterval задаёт период обхода.
func WithInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.Interval = interval
	}
}

// WithBatchSize ограничивает число групп за один обход.
func WithBatchSize(size int) Option {
	return func(opts *Options) {
		opts.BatchSize = size
	}
}

// SweepResult: итог одного обхода.
type SweepResult struct {
	Due     int
	Changed int
	Skipped int
	Failed  int
}

// Scheduler находит просроченные группы и вызывает для них Tick.
// Занятые группы пропускаются до следующего обхода.
type Scheduler struct {
	groups    DueLister
	ticker    Ticker
	logger    *log.Entry
	clock     domain.Clock
	interval  time.Duration
	batchSize int
}

// New создаёт планировщик.
func New(groups DueLister, ticker Ticker, options ...Option) *Scheduler {
	opts := Options{
		Clock:     domain.SystemClock{},
		Interval:  defaultInterval,
		BatchSize: defaultBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "lifecycle-scheduler")
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock{}
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}

	return &Scheduler{
		groups:    groups,
		ticker:    ticker,
		logger:    opts.Logger,
		clock:     opts.Clock,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
	}
}

// Run обходит группы по таймеру до отмены ctx.
func (s *Scheduler) Run(ctx context.Context) {
	if s.groups == nil || s.ticker == nil {
		s.logger.Warn("lifecycle scheduler is disabled: store or controller is nil")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce выполняет один обход.
func (s *Scheduler) SweepOnce(ctx context.Context) SweepResult {
	var result SweepResult
	if ctx.Err() != nil {
		return result
	}

	start := time.Now()
	defer func() {
		sweepDuration.Observe(time.Since(start).Seconds())
	}()

	now := s.clock.Now()
	ids, err := s.groups.ListDue(ctx, now, s.batchSize)
	if err != nil {
		s.logger.WithError(err).Warn("failed to list due groups")
		return result
	}
	result.Due = len(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			return result
		}

		_, changed, err := s.ticker.Tick(ctx, id, now)
		switch {
		case err == nil && changed:
			result.Changed++
			sweepGroups.WithLabelValues("changed").Inc()
		case err == nil:
			sweepGroups.WithLabelValues("noop").Inc()
		case errors.Is(err, domain.ErrGroupBusy):
			result.Skipped++
			sweepGroups.WithLabelValues("busy").Inc()
		default:
			result.Failed++
			sweepGroups.WithLabelValues("failed").Inc()
			s.logger.WithError(err).WithField("group_id", id).Warn("lifecycle tick failed")
		}
	}

	if result.Due > 0 {
		s.logger.WithFields(log.Fields{
			"due":     result.Due,
			"changed": result.Changed,
			"skipped": result.Skipped,
			"failed":  result.Failed,
		}).Debug("lifecycle sweep finished")
	}
	return result
}
