package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/atelierhq/techpack-api/internal/models"
	appErrors "github.com/atelierhq/techpack-api/pkg/errors"
)

// TechPackRepository reads tech pack records and, during revert, overwrites
// them together with the new revision in a single transaction.
type TechPackRepository struct {
	db        *sqlx.DB
	revisions *RevisionRepository
	metrics   QueryObserver
}

// NewTechPackRepository constructs the repository.
func NewTechPackRepository(db *sqlx.DB, revisions *RevisionRepository) *TechPackRepository {
	return &TechPackRepository{db: db, revisions: revisions}
}

// WithMetrics attaches a query latency observer.
func (r *TechPackRepository) WithMetrics(observer QueryObserver) *TechPackRepository {
	r.metrics = observer
	return r
}

const techPackColumns = `id, name, status, season, description, owner_id, technical_designer,
       version, bom, measurements, colorways, construction, shares, created_at, updated_at`

// GetByID fetches a tech pack by identifier.
func (r *TechPackRepository) GetByID(ctx context.Context, id string) (*models.TechPack, error) {
	defer observeQuery(r.metrics, "tech_packs.get", time.Now())
	query := fmt.Sprintf(`SELECT %s FROM tech_packs WHERE id = $1`, techPackColumns)
	var pack models.TechPack
	if err := r.db.GetContext(ctx, &pack, query, id); err != nil {
		return nil, err
	}
	return &pack, nil
}

const updateTechPackQuery = `UPDATE tech_packs
	SET name = :name, status = :status, season = :season, description = :description,
	    technical_designer = :technical_designer, version = :version,
	    bom = :bom, measurements = :measurements, colorways = :colorways,
	    construction = :construction, updated_at = :updated_at
	WHERE id = :id`

// ApplyRevert persists the reverted tech pack state and the rollback revision
// as one atomic unit. Either both writes commit or neither does; a version
// tag race surfaces as a conflict error.
func (r *TechPackRepository) ApplyRevert(ctx context.Context, pack *models.TechPack, revision *models.Revision) error {
	defer observeQuery(r.metrics, "tech_packs.apply_revert", time.Now())
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revert tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	pack.UpdatedAt = time.Now().UTC()
	if _, err := tx.NamedExecContext(ctx, updateTechPackQuery, pack); err != nil {
		return fmt.Errorf("update tech pack: %w", err)
	}

	if err := r.revisions.createTx(ctx, tx, revision); err != nil {
		if isUniqueViolation(err) {
			return appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, "version tag already exists")
		}
		return fmt.Errorf("insert rollback revision: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revert tx: %w", err)
	}
	return nil
}
