package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/techpack-api/internal/models"
	appErrors "github.com/atelierhq/techpack-api/pkg/errors"
)

type techPackStoreStub struct {
	packs     map[string]*models.TechPack
	applyErrs []error
	applied   []*models.Revision
}

func newTechPackStoreStub(packs ...*models.TechPack) *techPackStoreStub {
	stub := &techPackStoreStub{packs: make(map[string]*models.TechPack)}
	for _, p := range packs {
		stub.packs[p.ID] = p
	}
	return stub
}

func (s *techPackStoreStub) GetByID(ctx context.Context, id string) (*models.TechPack, error) {
	if pack, ok := s.packs[id]; ok {
		return pack, nil
	}
	return nil, sql.ErrNoRows
}

func (s *techPackStoreStub) ApplyRevert(ctx context.Context, pack *models.TechPack, revision *models.Revision) error {
	if len(s.applyErrs) > 0 {
		err := s.applyErrs[0]
		s.applyErrs = s.applyErrs[1:]
		if err != nil {
			return err
		}
	}
	s.packs[pack.ID] = pack
	copied := *revision
	s.applied = append(s.applied, &copied)
	return nil
}

// revertFixture sets up a pack at v1.2 with BOM material "Metal" and a target
// revision at v1.1 whose snapshot still says "Plastic".
func revertFixture(t *testing.T) (*techPackStoreStub, *revisionStoreStub, *RevertService) {
	t.Helper()

	current := servicePack()
	current.Version = "v1.2"
	current.BOM[0].MaterialName = "Metal"
	packs := newTechPackStoreStub(current)

	original := servicePack()
	target := &models.Revision{
		ID:         "rev-1",
		TechPackID: "tp-1",
		Version:    "v1.1",
		ChangeType: models.ChangeTypeManual,
		CreatedAt:  time.Now().Add(-time.Hour),
	}
	require.NoError(t, target.EncodeSnapshot(original))

	store := newRevisionStoreStub()
	store.revisions["rev-1"] = target
	store.latest = &models.Revision{TechPackID: "tp-1", Version: "v1.2"}
	store.latestErr = nil

	svc := NewRevertService(packs, store, nil, NewVersionSequencer(store), nil)
	return packs, store, svc
}

func TestRevertRestoresSnapshot(t *testing.T) {
	packs, _, svc := revertFixture(t)

	result, err := svc.Revert(context.Background(), "tp-1", "rev-1", ownerClaims(), "undo material swap")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "Plastic", result.TechPack.BOM[0].MaterialName)
	assert.Equal(t, "v1.3", result.TechPack.Version)

	revision := result.Revision
	assert.Equal(t, models.ChangeTypeRollback, revision.ChangeType)
	assert.Equal(t, "v1.3", revision.Version)
	require.NotNil(t, revision.RevertedFrom)
	assert.Equal(t, "v1.1", *revision.RevertedFrom)
	require.NotNil(t, revision.RevertedFromID)
	assert.Equal(t, "rev-1", *revision.RevertedFromID)
	assert.Equal(t, "undo material swap", revision.Description)

	change, ok := revision.ChangeSummary.Diff["bom[id:a1].materialName"]
	require.True(t, ok)
	assert.Equal(t, "Metal", change.Old)
	assert.Equal(t, "Plastic", change.New)

	// The stored record now carries the restored state and the rollback
	// revision's snapshot matches it.
	stored := packs.packs["tp-1"]
	assert.Equal(t, "Plastic", stored.BOM[0].MaterialName)
	restored, err := revision.DecodeSnapshot()
	require.NoError(t, err)
	assert.Equal(t, "Plastic", restored.BOM[0].MaterialName)
}

func TestRevertDefaultDescription(t *testing.T) {
	_, _, svc := revertFixture(t)
	result, err := svc.Revert(context.Background(), "tp-1", "rev-1", ownerClaims(), "  ")
	require.NoError(t, err)
	assert.Equal(t, "Reverted to version v1.1", result.Revision.Description)
}

func TestRevertKeepsStorageIdentity(t *testing.T) {
	packs, store, svc := revertFixture(t)

	// Poison the snapshot with foreign identity fields.
	foreign := servicePack()
	foreign.ID = "tp-other"
	foreign.OwnerID = "someone-else"
	foreign.Shares = models.ShareGrants{{UserID: "intruder", Role: models.ShareRoleAdmin}}
	foreign.CreatedAt = time.Now().Add(-24 * time.Hour)
	require.NoError(t, store.revisions["rev-1"].EncodeSnapshot(foreign))

	result, err := svc.Revert(context.Background(), "tp-1", "rev-1", ownerClaims(), "")
	require.NoError(t, err)

	current := packs.packs["tp-1"]
	assert.Equal(t, "tp-1", result.TechPack.ID)
	assert.Equal(t, "owner-1", result.TechPack.OwnerID)
	assert.Equal(t, current.Shares, result.TechPack.Shares)
	assert.NotContains(t, result.TechPack.Shares, models.ShareGrant{UserID: "intruder", Role: models.ShareRoleAdmin})
}

func TestRevertRequiresEditAccess(t *testing.T) {
	_, _, svc := revertFixture(t)
	viewer := &models.JWTClaims{UserID: "viewer-1", Role: models.RoleViewer}
	_, err := svc.Revert(context.Background(), "tp-1", "rev-1", viewer, "")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrForbidden))
}

func TestRevertUnknownPack(t *testing.T) {
	_, _, svc := revertFixture(t)
	_, err := svc.Revert(context.Background(), "missing", "rev-1", ownerClaims(), "")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound))
}

func TestRevertUnknownRevision(t *testing.T) {
	_, _, svc := revertFixture(t)
	_, err := svc.Revert(context.Background(), "tp-1", "missing", ownerClaims(), "")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound))
}

func TestRevertForeignRevision(t *testing.T) {
	_, store, svc := revertFixture(t)
	store.revisions["rev-9"] = &models.Revision{ID: "rev-9", TechPackID: "tp-other", Version: "v1.5"}
	_, err := svc.Revert(context.Background(), "tp-1", "rev-9", ownerClaims(), "")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound))
}

func TestRevertRequiresSnapshot(t *testing.T) {
	_, store, svc := revertFixture(t)
	store.revisions["rev-1"].Snapshot = nil
	_, err := svc.Revert(context.Background(), "tp-1", "rev-1", ownerClaims(), "")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
}

func TestRevertOfRollbackRevision(t *testing.T) {
	_, store, svc := revertFixture(t)
	store.revisions["rev-1"].ChangeType = models.ChangeTypeRollback
	_, err := svc.Revert(context.Background(), "tp-1", "rev-1", ownerClaims(), "")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
}

func TestRevertRetriesVersionConflictOnce(t *testing.T) {
	packs, _, svc := revertFixture(t)
	packs.applyErrs = []error{appErrors.Clone(appErrors.ErrConflict, "duplicate version")}

	result, err := svc.Revert(context.Background(), "tp-1", "rev-1", ownerClaims(), "")
	require.NoError(t, err)
	require.Len(t, packs.applied, 1)
	assert.Equal(t, models.ChangeTypeRollback, result.Revision.ChangeType)
}

func TestRevertConflictAfterRetry(t *testing.T) {
	packs, _, svc := revertFixture(t)
	packs.applyErrs = []error{
		appErrors.Clone(appErrors.ErrConflict, "duplicate version"),
		appErrors.Clone(appErrors.ErrConflict, "duplicate version"),
	}

	_, err := svc.Revert(context.Background(), "tp-1", "rev-1", ownerClaims(), "")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrConflict))
	require.Empty(t, packs.applied)
}

func TestRevertFailureLeavesRecordUnchanged(t *testing.T) {
	packs, _, svc := revertFixture(t)
	packs.applyErrs = []error{appErrors.Clone(appErrors.ErrInternal, "tx aborted")}

	_, err := svc.Revert(context.Background(), "tp-1", "rev-1", ownerClaims(), "")
	require.Error(t, err)
	require.Empty(t, packs.applied)
	assert.Equal(t, "Metal", packs.packs["tp-1"].BOM[0].MaterialName)
	assert.Equal(t, "v1.2", packs.packs["tp-1"].Version)
}
