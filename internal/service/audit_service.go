package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"github.com/noah-isme/prm-deal-api/internal/models"
	appErrors "github.com/noah-isme/prm-deal-api/pkg/errors"
	"github.com/noah-isme/prm-deal-api/pkg/jobs"
	"github.com/noah-isme/prm-deal-api/pkg/middleware/requestid"
	"github.com/noah-isme/prm-deal-api/pkg/storage"
)

const auditFanoutJob = "audit.fanout"

type auditReader interface {
	List(ctx context.Context, filter models.AuditFilter) ([]models.AuditLogEntry, int, error)
}

type jobEnqueuer interface {
	Enqueue(job jobs.Job) error
}

// AuditService appends audit entries and hands committed entries to the fan-out queue.
type AuditService struct {
	appender AuditAppender
	reader   auditReader
	queue    jobEnqueuer
	logger   *zap.Logger
}

// AuditServiceOption configures the service.
type AuditServiceOption func(*AuditService)

// WithAuditQueue enables asynchronous fan-out of committed entries.
func WithAuditQueue(queue jobEnqueuer) AuditServiceOption {
	return func(s *AuditService) {
		s.queue = queue
	}
}

// NewAuditService constructs the service. appender writes outside any business
// transaction and is used for failure entries that must survive a rollback.
func NewAuditService(appender AuditAppender, reader auditReader, logger *zap.Logger, opts ...AuditServiceOption) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &AuditService{appender: appender, reader: reader, logger: logger}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// RecordFailure persists a rejected attempt after its transaction rolled back.
func (s *AuditService) RecordFailure(ctx context.Context, entry *models.AuditLogEntry) {
	if s == nil || entry == nil {
		return
	}
	entry.Outcome = models.OutcomeFailure
	if s.appender == nil {
		return
	}
	if err := s.appender.Append(ctx, entry); err != nil {
		s.logger.Error("append failure audit entry",
			zap.String("action", string(entry.ActionType)),
			zap.String("entity_id", entry.EntityID),
			zap.Error(err))
		return
	}
	s.Publish(entry)
}

// Publish queues committed entries for delivery to Kafka and the archive.
func (s *AuditService) Publish(entries ...*models.AuditLogEntry) {
	if s == nil || s.queue == nil {
		return
	}
	for _, entry := range entries {
		job := jobs.Job{ID: entry.ID, Type: auditFanoutJob, Payload: &fanoutTask{Entry: *entry}}
		if err := s.queue.Enqueue(job); err != nil {
			s.logger.Warn("audit fan-out enqueue failed", zap.String("entry_id", entry.ID), zap.Error(err))
		}
	}
}

// List returns audit entries with pagination metadata.
func (s *AuditService) List(ctx context.Context, filter models.AuditFilter) ([]models.AuditLogEntry, *models.Pagination, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "to must not be before from")
	}
	entries, total, err := s.reader.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list audit entries")
	}
	return entries, &models.Pagination{Page: filter.Offset/filter.Limit + 1, PageSize: filter.Limit, TotalCount: total}, nil
}

type stageChange struct {
	From models.DealStage
	To   models.DealStage
}

type conflictEvent struct {
	Type     models.ConflictType
	Severity models.Severity
	Strategy models.ResolutionStrategy
	Status   models.ConflictStatus
}

// auditBatch collects the entries and side effects of one transaction so they
// are published and counted only once it commits.
type auditBatch struct {
	actor       models.Actor
	requestID   *string
	entries     []*models.AuditLogEntry
	transitions []stageChange
	detected    []conflictEvent
	outcomes    []conflictEvent
	// pipelineChanged is set when deal counts or values per stage moved.
	pipelineChanged bool
}

func newAuditBatch(ctx context.Context, actor models.Actor) *auditBatch {
	b := &auditBatch{actor: actor}
	if id := requestid.FromContext(ctx); id != "" {
		b.requestID = &id
	}
	return b
}

// add appends an entry through store and remembers it for publishing.
func (b *auditBatch) add(ctx context.Context, store AuditAppender, action models.AuditAction, entity models.AuditEntityType, entityID, reason string, before, after interface{}) error {
	entry := b.entry(action, entity, entityID, reason, before, after)
	entry.Outcome = models.OutcomeSuccess
	if err := store.Append(ctx, entry); err != nil {
		return err
	}
	b.entries = append(b.entries, entry)
	return nil
}

// reset discards everything gathered by an attempt that rolled back.
func (b *auditBatch) reset() {
	b.entries = nil
	b.transitions = nil
	b.detected = nil
	b.outcomes = nil
	b.pipelineChanged = false
}

func (b *auditBatch) stageChanged(from, to models.DealStage) {
	if from == to {
		return
	}
	b.transitions = append(b.transitions, stageChange{From: from, To: to})
	b.pipelineChanged = true
}

func (b *auditBatch) conflictDetected(t models.ConflictType, severity models.Severity) {
	b.detected = append(b.detected, conflictEvent{Type: t, Severity: severity})
}

func (b *auditBatch) conflictSettled(strategy models.ResolutionStrategy, status models.ConflictStatus) {
	b.outcomes = append(b.outcomes, conflictEvent{Strategy: strategy, Status: status})
}

// report feeds the committed effects into metrics.
func (b *auditBatch) report(m *MetricsService) {
	for _, t := range b.transitions {
		m.RecordTransition(t.From, t.To)
	}
	for _, d := range b.detected {
		m.RecordConflictDetected(d.Type, d.Severity)
	}
	for _, o := range b.outcomes {
		m.RecordConflictOutcome(o.Strategy, o.Status)
	}
}

func (b *auditBatch) entry(action models.AuditAction, entity models.AuditEntityType, entityID, reason string, before, after interface{}) *models.AuditLogEntry {
	entry := &models.AuditLogEntry{
		ActionType:  action,
		EntityType:  entity,
		EntityID:    entityID,
		ActorID:     b.actor.ID,
		ActorRole:   b.actor.Role,
		BeforeState: jsonState(before),
		AfterState:  jsonState(after),
		RequestID:   b.requestID,
		CreatedAt:   time.Now().UTC(),
	}
	if reason != "" {
		entry.Reason = &reason
	}
	return entry
}

func jsonState(v interface{}) types.JSONText {
	if v == nil {
		return types.JSONText("null")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return types.JSONText(fmt.Sprintf(`{"marshalError":%q}`, err.Error()))
	}
	return types.JSONText(raw)
}

type eventPublisher interface {
	PublishJSON(ctx context.Context, key string, v interface{}, headers map[string]string) error
}

// fanoutTask tracks per-sink progress so a retried job skips sinks that already succeeded.
type fanoutTask struct {
	Entry     models.AuditLogEntry
	published bool
	archived  bool
}

// AuditFanout delivers committed audit entries to the event stream and the archive.
type AuditFanout struct {
	publisher     eventPublisher
	archiver      storage.Archiver
	archivePrefix string
	metrics       *MetricsService
	logger        *zap.Logger
}

// NewAuditFanout constructs the fan-out handler. Either sink may be nil.
func NewAuditFanout(publisher eventPublisher, archiver storage.Archiver, archivePrefix string, metrics *MetricsService, logger *zap.Logger) *AuditFanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditFanout{
		publisher:     publisher,
		archiver:      archiver,
		archivePrefix: archivePrefix,
		metrics:       metrics,
		logger:        logger,
	}
}

// Handle is the jobs.Handler for audit fan-out jobs.
func (f *AuditFanout) Handle(ctx context.Context, job jobs.Job) error {
	task, ok := job.Payload.(*fanoutTask)
	if !ok {
		f.logger.Error("unexpected audit fan-out payload", zap.String("job_id", job.ID))
		return nil
	}
	entry := task.Entry

	if f.publisher != nil && !task.published {
		headers := map[string]string{
			"action":  string(entry.ActionType),
			"entity":  string(entry.EntityType),
			"outcome": string(entry.Outcome),
		}
		err := f.publisher.PublishJSON(ctx, entry.EntityID, entry, headers)
		f.metrics.RecordAuditFanout("kafka", err)
		if err != nil {
			return fmt.Errorf("publish audit entry %s: %w", entry.ID, err)
		}
		task.published = true
	}

	if f.archiver != nil && !task.archived {
		body, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode audit entry %s: %w", entry.ID, err)
		}
		key := storage.ObjectKey(f.archivePrefix, entry.CreatedAt, entry.ID)
		err = f.archiver.Archive(ctx, key, body)
		f.metrics.RecordAuditFanout("archive", err)
		if err != nil {
			return fmt.Errorf("archive audit entry %s: %w", entry.ID, err)
		}
		task.archived = true
	}
	return nil
}
