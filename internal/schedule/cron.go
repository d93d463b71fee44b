package schedule

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/metric-harvester/internal/model"
)

// Submitter accepts roster batches; the dispatcher implements it.
type Submitter interface {
	SubmitBatch(targets []model.Target, priority model.TargetPriority) string
}

// Roster is a recurring harvest: a cron expression and the targets it
// resubmits on every tick.
type Roster struct {
	ID         string
	Name       string
	Expression string
	Targets    []model.Target
	Priority   model.TargetPriority

	LastRun   *time.Time
	NextRun   *time.Time
	LastBatch string
}

// cronLogger adapts zap.Logger to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// Harvester runs recurring roster submissions on cron schedules.
type Harvester struct {
	logger    *zap.Logger
	cron      *cron.Cron
	submitter Submitter
	rosters   sync.Map // roster ID -> *Roster
	entryIDs  sync.Map // roster ID -> cron.EntryID
}

// NewHarvester creates a schedule harvester.
func NewHarvester(submitter Submitter, logger *zap.Logger) *Harvester {
	cl := &cronLogger{logger: logger.Named("cron")}
	return &Harvester{
		logger: logger.Named("schedule"),
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cl)),
		),
		submitter: submitter,
	}
}

// Start begins running registered schedules.
func (h *Harvester) Start() {
	h.logger.Info("Starting schedule harvester")
	h.cron.Start()
}

// Stop stops the cron runner and waits for in-flight ticks.
func (h *Harvester) Stop() {
	h.logger.Info("Stopping schedule harvester")
	ctx := h.cron.Stop()
	<-ctx.Done()
}

// AddRoster registers a recurring harvest and returns its id.
func (h *Harvester) AddRoster(roster *Roster) (string, error) {
	if roster.ID == "" {
		roster.ID = uuid.New().String()
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	spec, err := parser.Parse(roster.Expression)
	if err != nil {
		return "", fmt.Errorf("invalid cron expression: %w", err)
	}

	h.rosters.Store(roster.ID, roster)

	entryID, err := h.cron.AddJob(roster.Expression, &rosterJob{harvester: h, roster: roster})
	if err != nil {
		h.rosters.Delete(roster.ID)
		return "", fmt.Errorf("failed to add cron job: %w", err)
	}
	h.entryIDs.Store(roster.ID, entryID)

	next := spec.Next(time.Now())
	roster.NextRun = &next

	h.logger.Info("Added roster schedule",
		zap.String("id", roster.ID),
		zap.String("name", roster.Name),
		zap.String("expression", roster.Expression),
		zap.Int("targets", len(roster.Targets)),
		zap.Time("next_run", next))

	return roster.ID, nil
}

// RemoveRoster unregisters a recurring harvest.
func (h *Harvester) RemoveRoster(id string) error {
	entryID, ok := h.entryIDs.Load(id)
	if !ok {
		return fmt.Errorf("roster not found: %s", id)
	}

	h.cron.Remove(entryID.(cron.EntryID))
	h.entryIDs.Delete(id)
	h.rosters.Delete(id)

	h.logger.Info("Removed roster schedule", zap.String("id", id))
	return nil
}

// Rosters lists all registered rosters.
func (h *Harvester) Rosters() []*Roster {
	var rosters []*Roster
	h.rosters.Range(func(key, value interface{}) bool {
		rosters = append(rosters, value.(*Roster))
		return true
	})
	return rosters
}

// rosterJob implements cron.Job.
type rosterJob struct {
	harvester *Harvester
	roster    *Roster
}

// Run submits the roster as a batch.
func (j *rosterJob) Run() {
	now := time.Now()
	j.roster.LastRun = &now

	batchID := j.harvester.submitter.SubmitBatch(j.roster.Targets, j.roster.Priority)
	j.roster.LastBatch = batchID

	j.harvester.logger.Info("Roster harvested",
		zap.String("id", j.roster.ID),
		zap.String("name", j.roster.Name),
		zap.String("batch_id", batchID),
		zap.Int("targets", len(j.roster.Targets)))
}
