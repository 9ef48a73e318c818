package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/atelierhq/techpack-api/internal/models"
	appErrors "github.com/atelierhq/techpack-api/pkg/errors"
)

// revisionColumns lists every column except the snapshot payload, which is
// large and excluded from list selects unless explicitly requested.
const revisionColumns = `id, tech_pack_id, version, change_type, change_summary, created_by, created_by_name,
       description, tech_pack_status, reverted_from, reverted_from_id,
       approved_by, approved_by_name, approval_decision, approved_at, comments, created_at`

const revisionColumnsWithSnapshot = `id, tech_pack_id, version, change_type, change_summary, created_by, created_by_name,
       description, tech_pack_status, snapshot, reverted_from, reverted_from_id,
       approved_by, approved_by_name, approval_decision, approved_at, comments, created_at`

// RevisionRepository is the append-only store for revision entries. Rows are
// never deleted, and the snapshot and diff columns are never updated.
type RevisionRepository struct {
	db      *sqlx.DB
	metrics QueryObserver
}

// NewRevisionRepository constructs the repository.
func NewRevisionRepository(db *sqlx.DB) *RevisionRepository {
	return &RevisionRepository{db: db}
}

// WithMetrics attaches a query latency observer.
func (r *RevisionRepository) WithMetrics(observer QueryObserver) *RevisionRepository {
	r.metrics = observer
	return r
}

const insertRevisionQuery = `INSERT INTO revisions
	(id, tech_pack_id, version, change_type, change_summary, created_by, created_by_name,
	 description, tech_pack_status, snapshot, reverted_from, reverted_from_id, comments, created_at)
	VALUES (:id, :tech_pack_id, :version, :change_type, :change_summary, :created_by, :created_by_name,
	 :description, :tech_pack_status, :snapshot, :reverted_from, :reverted_from_id, :comments, :created_at)`

// Create appends a new revision row.
func (r *RevisionRepository) Create(ctx context.Context, revision *models.Revision) error {
	defer observeQuery(r.metrics, "revisions.create", time.Now())
	prepareRevision(revision)
	if _, err := r.db.NamedExecContext(ctx, insertRevisionQuery, revision); err != nil {
		if isUniqueViolation(err) {
			return appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, "version tag already exists")
		}
		return fmt.Errorf("create revision: %w", err)
	}
	return nil
}

// createTx appends a revision inside an existing transaction.
func (r *RevisionRepository) createTx(ctx context.Context, tx *sqlx.Tx, revision *models.Revision) error {
	prepareRevision(revision)
	if _, err := tx.NamedExecContext(ctx, insertRevisionQuery, revision); err != nil {
		return err
	}
	return nil
}

func prepareRevision(revision *models.Revision) {
	if revision.ID == "" {
		revision.ID = uuid.NewString()
	}
	if revision.CreatedAt.IsZero() {
		revision.CreatedAt = time.Now().UTC()
	}
	if revision.Comments == nil {
		revision.Comments = models.RevisionComments{}
	}
}

// GetByID fetches a revision including its snapshot.
func (r *RevisionRepository) GetByID(ctx context.Context, id string) (*models.Revision, error) {
	defer observeQuery(r.metrics, "revisions.get", time.Now())
	query := fmt.Sprintf(`SELECT %s FROM revisions WHERE id = $1`, revisionColumnsWithSnapshot)
	var revision models.Revision
	if err := r.db.GetContext(ctx, &revision, query, id); err != nil {
		return nil, err
	}
	return &revision, nil
}

// FindLatest returns the most recently created revision for a tech pack.
func (r *RevisionRepository) FindLatest(ctx context.Context, techPackID string) (*models.Revision, error) {
	defer observeQuery(r.metrics, "revisions.find_latest", time.Now())
	query := fmt.Sprintf(`SELECT %s FROM revisions WHERE tech_pack_id = $1 ORDER BY created_at DESC LIMIT 1`, revisionColumns)
	var revision models.Revision
	if err := r.db.GetContext(ctx, &revision, query, techPackID); err != nil {
		return nil, err
	}
	return &revision, nil
}

// FindPrevious returns the revision created immediately before the given
// time for a tech pack, snapshot included.
func (r *RevisionRepository) FindPrevious(ctx context.Context, techPackID string, before time.Time) (*models.Revision, error) {
	defer observeQuery(r.metrics, "revisions.find_previous", time.Now())
	query := fmt.Sprintf(`SELECT %s FROM revisions WHERE tech_pack_id = $1 AND created_at < $2 ORDER BY created_at DESC LIMIT 1`, revisionColumnsWithSnapshot)
	var revision models.Revision
	if err := r.db.GetContext(ctx, &revision, query, techPackID, before); err != nil {
		return nil, err
	}
	return &revision, nil
}

// List returns revisions for a tech pack matching the filter (latest first)
// plus the total match count for pagination.
func (r *RevisionRepository) List(ctx context.Context, techPackID string, filter models.RevisionFilter) ([]models.Revision, int, error) {
	defer observeQuery(r.metrics, "revisions.list", time.Now())
	conditions := []string{"tech_pack_id = $1"}
	args := []interface{}{techPackID}

	if filter.ChangeType != "" {
		args = append(args, filter.ChangeType)
		conditions = append(conditions, fmt.Sprintf("change_type = $%d", len(args)))
	}
	if filter.CreatedBy != "" {
		args = append(args, filter.CreatedBy)
		conditions = append(conditions, fmt.Sprintf("created_by = $%d", len(args)))
	}
	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM revisions WHERE %s", where)
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count revisions: %w", err)
	}

	columns := revisionColumns
	if filter.IncludeSnapshot {
		columns = revisionColumnsWithSnapshot
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	query := fmt.Sprintf("SELECT %s FROM revisions WHERE %s ORDER BY created_at DESC LIMIT %d OFFSET %d",
		columns, where, limit, offset)

	var revisions []models.Revision
	if err := r.db.SelectContext(ctx, &revisions, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list revisions: %w", err)
	}
	return revisions, total, nil
}

// AppendComment atomically appends a comment to a revision's comment list.
func (r *RevisionRepository) AppendComment(ctx context.Context, id string, comment models.RevisionComment) error {
	defer observeQuery(r.metrics, "revisions.append_comment", time.Now())
	payload, err := json.Marshal([]models.RevisionComment{comment})
	if err != nil {
		return fmt.Errorf("marshal comment: %w", err)
	}
	const query = `UPDATE revisions SET comments = comments || $2::jsonb WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id, payload)
	if err != nil {
		return fmt.Errorf("append comment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check comment rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateApprovalParams groups the approval metadata that may be attached to
// an existing revision. The snapshot and diff columns stay untouched.
type UpdateApprovalParams struct {
	ID           string
	ApproverID   string
	ApproverName string
	Decision     string
	DecidedAt    time.Time
}

// UpdateApproval records an approval decision on a revision.
func (r *RevisionRepository) UpdateApproval(ctx context.Context, params UpdateApprovalParams) error {
	defer observeQuery(r.metrics, "revisions.update_approval", time.Now())
	const query = `UPDATE revisions
	SET approved_by = :approved_by, approved_by_name = :approved_by_name,
	    approval_decision = :approval_decision, approved_at = :approved_at
	WHERE id = :id`
	result, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":                params.ID,
		"approved_by":       params.ApproverID,
		"approved_by_name":  params.ApproverName,
		"approval_decision": params.Decision,
		"approved_at":       params.DecidedAt,
	})
	if err != nil {
		return fmt.Errorf("update revision approval: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check approval rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// isUniqueViolation detects the Postgres unique constraint error used to
// catch version-tag races on (tech_pack_id, version).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
