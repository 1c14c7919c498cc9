package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Scheduler управляет периодическими фоновыми задачами клиента
// (например, вытеснением устаревших записей из локального кэша).
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool
}

// New создает новый планировщик
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every returns a cron spec firing at a fixed interval.
func Every(d time.Duration) string {
	return "@every " + d.String()
}

// Add регистрирует задачу. Ошибка задачи только логируется.
func (s *Scheduler) Add(name, spec string, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.Errorf("job %q has no function", name)
	}
	_, err := s.cron.AddFunc(spec, func() {
		if err := fn(s.ctx); err != nil {
			log.Warn().Err(err).Str("job", name).Msg("❌ scheduled job failed")
		}
	})
	if err != nil {
		return errors.Wrapf(err, "schedule %s", name)
	}
	log.Debug().Str("job", name).Str("spec", spec).Msg("📅 job registered")
	return nil
}

// Start запускает планировщик
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	log.Info().Int("jobs", len(s.cron.Entries())).Msg("📅 scheduler started")
}

// Stop останавливает планировщик и ждет завершения текущих задач
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.cancel()
	s.running = false
	log.Info().Msg("📅 scheduler stopped")
}

// IsRunning проверяет, запущен ли планировщик
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
