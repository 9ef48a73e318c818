package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atelierhq/techpack-api/internal/access"
	"github.com/atelierhq/techpack-api/internal/diff"
	"github.com/atelierhq/techpack-api/internal/dto"
	"github.com/atelierhq/techpack-api/internal/models"
	appErrors "github.com/atelierhq/techpack-api/pkg/errors"
)

type revisionStore interface {
	Create(ctx context.Context, revision *models.Revision) error
	GetByID(ctx context.Context, id string) (*models.Revision, error)
	FindLatest(ctx context.Context, techPackID string) (*models.Revision, error)
	FindPrevious(ctx context.Context, techPackID string, before time.Time) (*models.Revision, error)
	List(ctx context.Context, techPackID string, filter models.RevisionFilter) ([]models.Revision, int, error)
	AppendComment(ctx context.Context, id string, comment models.RevisionComment) error
}

type techPackReader interface {
	GetByID(ctx context.Context, id string) (*models.TechPack, error)
}

type cacheInvalidator interface {
	Invalidate(ctx context.Context, pattern string) error
}

// revisionCache serves read-through caching for compare responses. Keys live
// under the techpack:<id>: prefix so revision writes invalidate them.
type revisionCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

type auditSink interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type notifier interface {
	Notify(ctx context.Context, userIDs []string, message string) error
}

// RevisionService exposes the revision engine to the host application:
// recording changes, reading history, comparing snapshots, and commenting.
type RevisionService struct {
	revisions    revisionStore
	packs        techPackReader
	engine       *diff.Engine
	sequencer    *VersionSequencer
	effects      *sideEffects
	metrics      *MetricsService
	cache        revisionCache
	cacheTTL     time.Duration
	logger       *zap.Logger
	maxDiffPaths int
}

// RevisionServiceOption configures the service.
type RevisionServiceOption func(*RevisionService)

// WithRevisionSideEffects attaches the best-effort post-write collaborators.
func WithRevisionSideEffects(cache cacheInvalidator, audit auditSink, notify notifier, timeout time.Duration) RevisionServiceOption {
	return func(s *RevisionService) {
		s.effects = newSideEffects(cache, audit, notify, timeout, s.logger)
	}
}

// WithRevisionMetrics attaches the metrics service.
func WithRevisionMetrics(metrics *MetricsService) RevisionServiceOption {
	return func(s *RevisionService) {
		s.metrics = metrics
	}
}

// WithRevisionCache enables read-through caching of compare responses.
func WithRevisionCache(cache revisionCache, ttl time.Duration) RevisionServiceOption {
	return func(s *RevisionService) {
		s.cache = cache
		s.cacheTTL = ttl
	}
}

// WithMaxDiffPaths overrides the compare response cap.
func WithMaxDiffPaths(limit int) RevisionServiceOption {
	return func(s *RevisionService) {
		if limit > 0 {
			s.maxDiffPaths = limit
		}
	}
}

// NewRevisionService constructs the service.
func NewRevisionService(revisions revisionStore, packs techPackReader, engine *diff.Engine, sequencer *VersionSequencer, logger *zap.Logger, opts ...RevisionServiceOption) *RevisionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil {
		engine = diff.NewEngine(logger)
	}
	svc := &RevisionService{
		revisions:    revisions,
		packs:        packs,
		engine:       engine,
		sequencer:    sequencer,
		logger:       logger,
		maxDiffPaths: 100,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	if svc.effects == nil {
		svc.effects = newSideEffects(nil, nil, nil, 0, logger)
	}
	return svc
}

// RecordChange captures a revision after the record service has persisted a
// change. It returns nil without writing anything when the diff is empty.
func (s *RevisionService) RecordChange(ctx context.Context, techPackID string, oldState, newState *models.TechPack, actor *models.JWTClaims, changeType models.ChangeType, description string) (*models.Revision, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if strings.TrimSpace(techPackID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "techPackId is required")
	}
	if newState == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "new state is required")
	}
	if changeType == "" {
		changeType = models.ChangeTypeAuto
	}
	if !changeType.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported change type: %s", changeType))
	}

	result := s.engine.Compare(oldState, newState)
	if result.Empty() {
		return nil, nil
	}

	revision := &models.Revision{
		TechPackID:     techPackID,
		ChangeType:     changeType,
		ChangeSummary:  result.ChangeSummary(),
		CreatedBy:      actor.UserID,
		CreatedByName:  actor.FullName,
		Description:    description,
		TechPackStatus: newState.Status,
	}
	if err := revision.EncodeSnapshot(newState); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to freeze snapshot")
	}

	if err := s.createWithVersionRetry(ctx, revision); err != nil {
		return nil, err
	}

	s.metrics.RecordRevisionCreated(string(changeType))
	s.effects.emit(techPackID, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionRevisionCreate,
		Resource:   "revision",
		ResourceID: &revision.ID,
		NewValues:  mustJSON(map[string]string{"version": revision.Version, "summary": revision.ChangeSummary.Summary}),
	}, nil, "")

	return revision, nil
}

// createWithVersionRetry assigns the next version tag and inserts the
// revision, retrying once with a fresh tag if a concurrent writer won the
// race on (tech_pack_id, version).
func (s *RevisionService) createWithVersionRetry(ctx context.Context, revision *models.Revision) error {
	for attempt := 0; attempt < 2; attempt++ {
		version, err := s.sequencer.Next(ctx, revision.TechPackID)
		if err != nil {
			return err
		}
		revision.Version = version

		err = s.revisions.Create(ctx, revision)
		if err == nil {
			return nil
		}
		if appErrors.HasCode(err, appErrors.ErrConflict) && attempt == 0 {
			s.logger.Warn("version tag conflict, retrying",
				zap.String("tech_pack_id", revision.TechPackID),
				zap.String("version", version),
			)
			continue
		}
		if appErrors.HasCode(err, appErrors.ErrConflict) {
			return appErrors.Clone(appErrors.ErrConflict, "concurrent revision created for this tech pack")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist revision")
	}
	return appErrors.Clone(appErrors.ErrConflict, "concurrent revision created for this tech pack")
}

// List returns a tech pack's revision history, latest first.
func (s *RevisionService) List(ctx context.Context, techPackID string, query dto.RevisionQuery, actor *models.JWTClaims) ([]models.Revision, *models.Pagination, error) {
	if _, err := s.authorize(ctx, techPackID, actor, false); err != nil {
		return nil, nil, err
	}

	filter := models.RevisionFilter{
		CreatedBy:       strings.TrimSpace(query.CreatedBy),
		Page:            query.Page,
		Limit:           query.Limit,
		IncludeSnapshot: query.IncludeSnapshot,
	}
	if raw := strings.TrimSpace(query.ChangeType); raw != "" {
		changeType := models.ChangeType(strings.ToLower(raw))
		if !changeType.Valid() {
			return nil, nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported change type: %s", raw))
		}
		filter.ChangeType = changeType
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}

	revisions, total, err := s.revisions.List(ctx, techPackID, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list revisions")
	}

	pagination := &models.Pagination{Page: filter.Page, PageSize: filter.Limit, TotalCount: total}
	return revisions, pagination, nil
}

// Get returns one revision. When the stored entry lacks a diff but carries a
// snapshot, a display-only diff against the chronologically previous revision
// is computed on the fly and never persisted.
func (s *RevisionService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Revision, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	revision, err := s.loadRevision(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, revision.TechPackID, actor, false); err != nil {
		return nil, err
	}

	if revision.ChangeSummary.Empty() && revision.HasSnapshot() {
		s.attachComputedDiff(ctx, revision)
	}
	return revision, nil
}

// attachComputedDiff fills the in-memory change summary from the previous
// revision's snapshot. Failures degrade to returning the revision as stored.
func (s *RevisionService) attachComputedDiff(ctx context.Context, revision *models.Revision) {
	previous, err := s.revisions.FindPrevious(ctx, revision.TechPackID, revision.CreatedAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("failed to load previous revision for display diff", zap.Error(err))
		}
		return
	}
	if !previous.HasSnapshot() {
		return
	}

	before, err := previous.DecodeSnapshot()
	if err != nil {
		s.logger.Warn("failed to decode previous snapshot", zap.Error(err))
		return
	}
	after, err := revision.DecodeSnapshot()
	if err != nil {
		s.logger.Warn("failed to decode snapshot", zap.Error(err))
		return
	}
	revision.ChangeSummary = s.engine.Compare(before, after).ChangeSummary()
}

// Compare diffs the snapshots of two revisions of the same tech pack. The
// response is capped at the configured number of diff paths.
func (s *RevisionService) Compare(ctx context.Context, techPackID, fromID, toID string, actor *models.JWTClaims) (*dto.CompareResponse, error) {
	if strings.TrimSpace(fromID) == "" || strings.TrimSpace(toID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "from and to revision ids are required")
	}
	if _, err := s.authorize(ctx, techPackID, actor, false); err != nil {
		return nil, err
	}

	// Revision snapshots are immutable, so a computed compare never goes
	// stale; the techpack:<id>: prefix still sweeps it on any write.
	cacheKey := fmt.Sprintf("techpack:%s:compare:%s:%s", techPackID, fromID, toID)
	if s.cache != nil {
		var cached dto.CompareResponse
		if hit, err := s.cache.Get(ctx, cacheKey, &cached); err == nil && hit {
			return &cached, nil
		}
	}

	from, err := s.loadOwnedRevision(ctx, fromID, techPackID)
	if err != nil {
		return nil, err
	}
	to, err := s.loadOwnedRevision(ctx, toID, techPackID)
	if err != nil {
		return nil, err
	}
	if !from.HasSnapshot() || !to.HasSnapshot() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "both revisions must carry a snapshot to compare")
	}

	fromPack, err := from.DecodeSnapshot()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to decode snapshot")
	}
	toPack, err := to.DecodeSnapshot()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to decode snapshot")
	}

	result := s.engine.Compare(fromPack, toPack)
	paths, truncated := result.Truncate(s.maxDiffPaths)

	resp := &dto.CompareResponse{
		FromVersion: from.Version,
		ToVersion:   to.Version,
		Summary:     result.Summary,
		Diff:        paths,
		Truncated:   truncated,
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, cacheKey, resp, s.cacheTTL)
	}
	return resp, nil
}

// AddComment appends a comment to a revision.
func (s *RevisionService) AddComment(ctx context.Context, revisionID string, actor *models.JWTClaims, text string) (*models.RevisionComment, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "comment text is required")
	}

	revision, err := s.loadRevision(ctx, revisionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, revision.TechPackID, actor, false); err != nil {
		return nil, err
	}

	comment := models.RevisionComment{
		UserID:    actor.UserID,
		UserName:  actor.FullName,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.revisions.AppendComment(ctx, revisionID, comment); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to append comment")
	}

	s.effects.emit(revision.TechPackID, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionCommentCreate,
		Resource:   "revision",
		ResourceID: &revisionID,
		NewValues:  mustJSON(comment),
	}, nil, "")

	return &comment, nil
}

// authorize loads the tech pack and checks the actor's effective capability.
func (s *RevisionService) authorize(ctx context.Context, techPackID string, actor *models.JWTClaims, needEdit bool) (*models.TechPack, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if strings.TrimSpace(techPackID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "techPackId is required")
	}

	pack, err := s.packs.GetByID(ctx, techPackID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "tech pack not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load tech pack")
	}

	caps := access.ForUser(pack, actor.UserID, actor.Role)
	if needEdit && !caps.Edit {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "edit access required")
	}
	if !caps.View {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "view access required")
	}
	return pack, nil
}

func (s *RevisionService) loadRevision(ctx context.Context, id string) (*models.Revision, error) {
	if strings.TrimSpace(id) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "revision id is required")
	}
	revision, err := s.revisions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "revision not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load revision")
	}
	return revision, nil
}

// loadOwnedRevision loads a revision and verifies it belongs to techPackID.
func (s *RevisionService) loadOwnedRevision(ctx context.Context, id, techPackID string) (*models.Revision, error) {
	revision, err := s.loadRevision(ctx, id)
	if err != nil {
		return nil, err
	}
	if revision.TechPackID != techPackID {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "revision does not belong to this tech pack")
	}
	return revision, nil
}

func mustJSON(v interface{}) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

// sideEffects dispatches the post-commit collaborators: cache invalidation,
// audit logging, and notifications. Each runs with its own timeout and its
// failure is logged, never propagated.
type sideEffects struct {
	cache   cacheInvalidator
	audit   auditSink
	notify  notifier
	timeout time.Duration
	logger  *zap.Logger
}

func newSideEffects(cache cacheInvalidator, audit auditSink, notify notifier, timeout time.Duration, logger *zap.Logger) *sideEffects {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &sideEffects{cache: cache, audit: audit, notify: notify, timeout: timeout, logger: logger}
}

// emit fires the side effects without blocking the caller.
func (s *sideEffects) emit(techPackID string, log *models.AuditLog, notifyIDs []string, message string) {
	go func() {
		if s.cache != nil && techPackID != "" {
			s.runOne("cache invalidation", func(ctx context.Context) error {
				return s.cache.Invalidate(ctx, "techpack:"+techPackID+":*")
			})
		}
		if s.audit != nil && log != nil {
			s.runOne("audit log", func(ctx context.Context) error {
				log.IPAddress = "system"
				log.UserAgent = "revision-engine"
				return s.audit.CreateAuditLog(ctx, log)
			})
		}
		if s.notify != nil && len(notifyIDs) > 0 && message != "" {
			s.runOne("notification", func(ctx context.Context) error {
				return s.notify.Notify(ctx, notifyIDs, message)
			})
		}
	}()
}

func (s *sideEffects) runOne(kind string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.logger.Warn("side effect failed", zap.String("kind", kind), zap.Error(err))
	}
}
