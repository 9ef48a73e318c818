package service

import (
	"context"
	"database/sql"
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

type techPackStore interface {
	GetByID(ctx context.Context, id string) (*models.TechPack, error)
	ApplyRevert(ctx context.Context, pack *models.TechPack, revision *models.Revision) error
}

// RevertService restores a prior snapshot as a new rollback revision. The
// record update and the revision insert always commit or abort together;
// side effects fire only after the unit of work has committed.
type RevertService struct {
	packs     techPackStore
	revisions revisionStore
	engine    *diff.Engine
	sequencer *VersionSequencer
	effects   *sideEffects
	metrics   *MetricsService
	logger    *zap.Logger
}

// RevertServiceOption configures the service.
type RevertServiceOption func(*RevertService)

// WithRevertSideEffects attaches the best-effort post-commit collaborators.
func WithRevertSideEffects(cache cacheInvalidator, audit auditSink, notify notifier, timeout time.Duration) RevertServiceOption {
	return func(s *RevertService) {
		s.effects = newSideEffects(cache, audit, notify, timeout, s.logger)
	}
}

// WithRevertMetrics attaches the metrics service.
func WithRevertMetrics(metrics *MetricsService) RevertServiceOption {
	return func(s *RevertService) {
		s.metrics = metrics
	}
}

// NewRevertService constructs the coordinator.
func NewRevertService(packs techPackStore, revisions revisionStore, engine *diff.Engine, sequencer *VersionSequencer, logger *zap.Logger, opts ...RevertServiceOption) *RevertService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil {
		engine = diff.NewEngine(logger)
	}
	svc := &RevertService{
		packs:     packs,
		revisions: revisions,
		engine:    engine,
		sequencer: sequencer,
		logger:    logger,
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

// Revert restores the target revision's snapshot onto the tech pack and
// records a rollback revision. Preconditions are checked in order and fail
// before any write; no partial state is ever observable.
func (s *RevertService) Revert(ctx context.Context, techPackID, revisionID string, actor *models.JWTClaims, reason string) (*dto.RevertResult, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if strings.TrimSpace(techPackID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "techPackId is required")
	}
	if strings.TrimSpace(revisionID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "revision id is required")
	}

	pack, err := s.packs.GetByID(ctx, techPackID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "tech pack not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load tech pack")
	}

	caps := access.ForUser(pack, actor.UserID, actor.Role)
	if !caps.Edit {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "edit access required to revert")
	}

	target, err := s.revisions.GetByID(ctx, revisionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "revision not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load revision")
	}
	if target.TechPackID != techPackID {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "revision does not belong to this tech pack")
	}
	if !target.HasSnapshot() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "revision has no snapshot to restore")
	}
	if target.ChangeType == models.ChangeTypeRollback {
		return nil, appErrors.Clone(appErrors.ErrValidation, "cannot revert to a rollback revision")
	}

	proposed, err := s.restoreState(pack, target)
	if err != nil {
		return nil, err
	}

	// Audit diff between the live state and what the revert will produce,
	// computed independently of the target revision's stored diff.
	result := s.engine.Compare(pack, proposed)

	description := strings.TrimSpace(reason)
	if description == "" {
		description = fmt.Sprintf("Reverted to version %s", target.Version)
	}

	revision := &models.Revision{
		TechPackID:     techPackID,
		ChangeType:     models.ChangeTypeRollback,
		ChangeSummary:  result.ChangeSummary(),
		CreatedBy:      actor.UserID,
		CreatedByName:  actor.FullName,
		Description:    description,
		TechPackStatus: proposed.Status,
		RevertedFrom:   &target.Version,
		RevertedFromID: &target.ID,
	}

	if err := s.commitWithVersionRetry(ctx, proposed, revision); err != nil {
		return nil, err
	}

	s.metrics.RecordRevisionCreated(string(models.ChangeTypeRollback))

	notifyIDs := []string{pack.OwnerID}
	if actor.UserID == pack.OwnerID {
		notifyIDs = nil
	}
	s.effects.emit(techPackID, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionRevisionRevert,
		Resource:   "tech_pack",
		ResourceID: &techPackID,
		OldValues:  mustJSON(map[string]string{"version": pack.Version}),
		NewValues:  mustJSON(map[string]string{"version": revision.Version, "revertedFrom": target.Version}),
	}, notifyIDs, fmt.Sprintf("%s reverted tech pack %q to version %s", actor.FullName, pack.Name, target.Version))

	return &dto.RevertResult{TechPack: proposed, Revision: revision}, nil
}

// restoreState deep-copies the target snapshot and strips storage identity:
// the live record keeps its id, creation time, owner, and share grants, while
// all document content comes from the snapshot.
func (s *RevertService) restoreState(pack *models.TechPack, target *models.Revision) (*models.TechPack, error) {
	snapshot, err := target.DecodeSnapshot()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to decode snapshot")
	}

	proposed, err := snapshot.Clone()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to copy snapshot")
	}

	proposed.ID = pack.ID
	proposed.OwnerID = pack.OwnerID
	proposed.Shares = pack.Shares
	proposed.CreatedAt = pack.CreatedAt
	proposed.UpdatedAt = pack.UpdatedAt
	proposed.Version = pack.Version
	return proposed, nil
}

// commitWithVersionRetry runs the atomic unit of work, retrying once with a
// freshly computed version tag when a concurrent writer won the race.
func (s *RevertService) commitWithVersionRetry(ctx context.Context, proposed *models.TechPack, revision *models.Revision) error {
	for attempt := 0; attempt < 2; attempt++ {
		version, err := s.sequencer.Next(ctx, revision.TechPackID)
		if err != nil {
			return err
		}
		revision.Version = version
		proposed.Version = version
		if err := revision.EncodeSnapshot(proposed); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to freeze snapshot")
		}

		err = s.packs.ApplyRevert(ctx, proposed, revision)
		if err == nil {
			return nil
		}
		if appErrors.HasCode(err, appErrors.ErrConflict) && attempt == 0 {
			s.logger.Warn("revert version conflict, retrying",
				zap.String("tech_pack_id", revision.TechPackID),
				zap.String("version", version),
			)
			continue
		}
		if appErrors.HasCode(err, appErrors.ErrConflict) {
			return appErrors.Clone(appErrors.ErrConflict, "concurrent revision created for this tech pack")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit revert")
	}
	return appErrors.Clone(appErrors.ErrConflict, "concurrent revision created for this tech pack")
}
