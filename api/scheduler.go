package api

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// errCronExprTimezoned rejects timezone-prefixed cron expressions so
// every deployment evaluates schedules against the same clock.
var errCronExprTimezoned = errors.New("api: cron expression must be UTC-only (timezone prefixes are not allowed)")

var timeUTC = time.UTC

// Scheduler registers recurring create_run kickoffs on cron expressions —
// an operator-facing convenience layered above the control surface, never
// consulted by the kernel itself. UTC-only, standard 5-field parser, no
// CRON_TZ/TZ prefixes, so the same expression behaves identically across
// deployments.
type Scheduler struct {
	manager *Manager
	cron    *cron.Cron
	logger  *slog.Logger

	mu       sync.Mutex
	entries  map[string]cron.EntryID // flowID -> scheduled entry
}

// standardCronParser accepts only minute/hour/dom/month/dow fields — no
// seconds field, no predefined @hourly-style descriptors, so schedules
// stay legible in an audit log.
var standardCronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// NewScheduler starts a cron.Cron bound to manager. Call Stop to shut it
// down cleanly.
func NewScheduler(manager *Manager, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		manager: manager,
		cron:    cron.New(cron.WithParser(standardCronParser), cron.WithLocation(timeUTC)),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
	s.cron.Start()
	return s
}

// ScheduleFlow registers flowID to call create_run on every tick of expr
// (UTC-only; a "CRON_TZ=" or "TZ=" prefix is rejected). params are passed
// through to CreateRun unchanged on every firing.
func (s *Scheduler) ScheduleFlow(flowID, expr string, params map[string]any) error {
	clean := strings.TrimSpace(expr)
	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return errCronExprTimezoned
	}

	id, err := s.cron.AddFunc(clean, func() {
		runID, _, err := s.manager.CreateRun(flowID, params)
		if err != nil {
			s.logger.Error("scheduled create_run failed", "flow_id", flowID, "error", err)
			return
		}
		s.logger.Info("scheduled run created", "flow_id", flowID, "run_id", runID)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.entries[flowID] = id
	s.mu.Unlock()
	return nil
}

// Unschedule removes flowID's recurring entry, if any.
func (s *Scheduler) Unschedule(flowID string) {
	s.mu.Lock()
	id, ok := s.entries[flowID]
	delete(s.entries, flowID)
	s.mu.Unlock()
	if ok {
		s.cron.Remove(id)
	}
}

// Stop shuts down the underlying cron.Cron, waiting for any running jobs
// to complete.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
