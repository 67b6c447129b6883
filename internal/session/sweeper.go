package session

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper periodically removes idle sessions.
type Sweeper struct {
	cron *cron.Cron
	mgr  *Manager
	log  zerolog.Logger
}

func NewSweeper(mgr *Manager, every time.Duration, log zerolog.Logger) (*Sweeper, error) {
	if every <= 0 {
		every = time.Minute
	}
	s := &Sweeper{
		cron: cron.New(cron.WithLocation(time.UTC)),
		mgr:  mgr,
		log:  log,
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", every), s.run); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sweeper) run() {
	n := s.mgr.Sweep(s.mgr.cfg.Clock.Now())
	s.log.Debug().Int("removed", n).Msg("session sweep")
}

func (s *Sweeper) Start() {
	s.cron.Start()
	s.log.Info().Msg("session sweeper started")
}

// Stop halts the schedule and waits for a running sweep.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
