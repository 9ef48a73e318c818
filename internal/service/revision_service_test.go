package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/techpack-api/internal/dto"
	"github.com/atelierhq/techpack-api/internal/models"
	appErrors "github.com/atelierhq/techpack-api/pkg/errors"
)

type revisionStoreStub struct {
	created    []*models.Revision
	createErrs []error
	revisions  map[string]*models.Revision
	latest     *models.Revision
	latestErr  error
	previous   *models.Revision
	prevErr    error
	listResp   []models.Revision
	listTotal  int
	lastFilter models.RevisionFilter
	appendErr  error
	appended   []models.RevisionComment
}

func newRevisionStoreStub() *revisionStoreStub {
	return &revisionStoreStub{
		revisions: make(map[string]*models.Revision),
		latestErr: sql.ErrNoRows,
		prevErr:   sql.ErrNoRows,
	}
}

func (s *revisionStoreStub) Create(ctx context.Context, revision *models.Revision) error {
	if len(s.createErrs) > 0 {
		err := s.createErrs[0]
		s.createErrs = s.createErrs[1:]
		if err != nil {
			return err
		}
	}
	copied := *revision
	s.created = append(s.created, &copied)
	return nil
}

func (s *revisionStoreStub) GetByID(ctx context.Context, id string) (*models.Revision, error) {
	if rev, ok := s.revisions[id]; ok {
		copied := *rev
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (s *revisionStoreStub) FindLatest(ctx context.Context, techPackID string) (*models.Revision, error) {
	if s.latestErr != nil {
		return nil, s.latestErr
	}
	return s.latest, nil
}

func (s *revisionStoreStub) FindPrevious(ctx context.Context, techPackID string, before time.Time) (*models.Revision, error) {
	if s.prevErr != nil {
		return nil, s.prevErr
	}
	return s.previous, nil
}

func (s *revisionStoreStub) List(ctx context.Context, techPackID string, filter models.RevisionFilter) ([]models.Revision, int, error) {
	s.lastFilter = filter
	return s.listResp, s.listTotal, nil
}

func (s *revisionStoreStub) AppendComment(ctx context.Context, id string, comment models.RevisionComment) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.appended = append(s.appended, comment)
	return nil
}

type revisionCacheStub struct {
	entries map[string][]byte
	sets    []string
}

func newRevisionCacheStub() *revisionCacheStub {
	return &revisionCacheStub{entries: make(map[string][]byte)}
}

func (s *revisionCacheStub) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	raw, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (s *revisionCacheStub) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.entries[key] = raw
	s.sets = append(s.sets, key)
	return nil
}

type techPackReaderStub struct {
	packs map[string]*models.TechPack
}

func (s *techPackReaderStub) GetByID(ctx context.Context, id string) (*models.TechPack, error) {
	if pack, ok := s.packs[id]; ok {
		return pack, nil
	}
	return nil, sql.ErrNoRows
}

func servicePack() *models.TechPack {
	return &models.TechPack{
		ID:      "tp-1",
		Name:    "Bomber Jacket",
		Status:  models.TechPackStatusDraft,
		Season:  "FW26",
		OwnerID: "owner-1",
		Version: "v1.0",
		BOM: models.BOMItems{
			{ID: "a1", MaterialName: "Plastic", Supplier: "Acme"},
		},
		Shares: models.ShareGrants{
			{UserID: "editor-1", Role: models.ShareRoleEditor},
			{UserID: "viewer-1", Role: models.ShareRoleViewer},
		},
	}
}

func ownerClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "owner-1", Role: models.RoleDesigner, FullName: "Ana Pereira"}
}

func newTestRevisionService(store *revisionStoreStub, packs *techPackReaderStub, opts ...RevisionServiceOption) *RevisionService {
	return NewRevisionService(store, packs, nil, NewVersionSequencer(store), nil, opts...)
}

func TestRecordChangeEmptyDiffSkipsWrite(t *testing.T) {
	store := newRevisionStoreStub()
	svc := newTestRevisionService(store, &techPackReaderStub{})

	pack := servicePack()
	same, err := pack.Clone()
	require.NoError(t, err)

	revision, err := svc.RecordChange(context.Background(), "tp-1", pack, same, ownerClaims(), models.ChangeTypeAuto, "")
	require.NoError(t, err)
	require.Nil(t, revision)
	require.Empty(t, store.created)
}

func TestRecordChangeCreatesRevision(t *testing.T) {
	store := newRevisionStoreStub()
	svc := newTestRevisionService(store, &techPackReaderStub{})

	before := servicePack()
	after, err := before.Clone()
	require.NoError(t, err)
	after.BOM[0].MaterialName = "Metal"

	revision, err := svc.RecordChange(context.Background(), "tp-1", before, after, ownerClaims(), "", "swapped shell material")
	require.NoError(t, err)
	require.NotNil(t, revision)
	require.Len(t, store.created, 1)

	assert.Equal(t, "v1.1", revision.Version)
	assert.Equal(t, models.ChangeTypeAuto, revision.ChangeType)
	assert.Equal(t, "owner-1", revision.CreatedBy)
	assert.Equal(t, "swapped shell material", revision.Description)
	assert.Equal(t, models.SectionCounts{Modified: 1}, revision.ChangeSummary.Details["bom"])
	require.True(t, revision.HasSnapshot())

	restored, err := revision.DecodeSnapshot()
	require.NoError(t, err)
	assert.Equal(t, "Metal", restored.BOM[0].MaterialName)
}

func TestRecordChangeRetriesVersionConflictOnce(t *testing.T) {
	store := newRevisionStoreStub()
	store.createErrs = []error{appErrors.Clone(appErrors.ErrConflict, "duplicate version")}
	svc := newTestRevisionService(store, &techPackReaderStub{})

	before := servicePack()
	after, err := before.Clone()
	require.NoError(t, err)
	after.Name = "Bomber Jacket v2"

	revision, err := svc.RecordChange(context.Background(), "tp-1", before, after, ownerClaims(), models.ChangeTypeManual, "")
	require.NoError(t, err)
	require.NotNil(t, revision)
	require.Len(t, store.created, 1)
}

func TestRecordChangeConflictAfterRetry(t *testing.T) {
	store := newRevisionStoreStub()
	store.createErrs = []error{
		appErrors.Clone(appErrors.ErrConflict, "duplicate version"),
		appErrors.Clone(appErrors.ErrConflict, "duplicate version"),
	}
	svc := newTestRevisionService(store, &techPackReaderStub{})

	before := servicePack()
	after, err := before.Clone()
	require.NoError(t, err)
	after.Name = "Bomber Jacket v2"

	_, err = svc.RecordChange(context.Background(), "tp-1", before, after, ownerClaims(), models.ChangeTypeManual, "")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrConflict))
	require.Empty(t, store.created)
}

func TestRecordChangeRejectsUnknownChangeType(t *testing.T) {
	svc := newTestRevisionService(newRevisionStoreStub(), &techPackReaderStub{})

	before := servicePack()
	after, err := before.Clone()
	require.NoError(t, err)
	after.Name = "Changed"

	_, err = svc.RecordChange(context.Background(), "tp-1", before, after, ownerClaims(), models.ChangeType("bogus"), "")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
}

func TestRecordChangeRequiresActor(t *testing.T) {
	svc := newTestRevisionService(newRevisionStoreStub(), &techPackReaderStub{})
	_, err := svc.RecordChange(context.Background(), "tp-1", nil, servicePack(), nil, models.ChangeTypeAuto, "")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrUnauthorized))
}

func TestListRequiresViewAccess(t *testing.T) {
	store := newRevisionStoreStub()
	packs := &techPackReaderStub{packs: map[string]*models.TechPack{"tp-1": servicePack()}}
	svc := newTestRevisionService(store, packs)

	stranger := &models.JWTClaims{UserID: "stranger", Role: models.RoleMerchandiser}
	_, _, err := svc.List(context.Background(), "tp-1", dto.RevisionQuery{}, stranger)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrForbidden))
}

func TestListBuildsFilterAndPagination(t *testing.T) {
	store := newRevisionStoreStub()
	store.listResp = []models.Revision{{ID: "rev-1", Version: "v1.1"}}
	store.listTotal = 41
	packs := &techPackReaderStub{packs: map[string]*models.TechPack{"tp-1": servicePack()}}
	svc := newTestRevisionService(store, packs)

	query := dto.RevisionQuery{Page: 3, Limit: 10, ChangeType: "MANUAL", CreatedBy: " user-9 "}
	revisions, pagination, err := svc.List(context.Background(), "tp-1", query, ownerClaims())
	require.NoError(t, err)
	require.Len(t, revisions, 1)

	assert.Equal(t, models.ChangeTypeManual, store.lastFilter.ChangeType)
	assert.Equal(t, "user-9", store.lastFilter.CreatedBy)
	assert.Equal(t, 3, store.lastFilter.Page)
	assert.Equal(t, 10, store.lastFilter.Limit)
	assert.Equal(t, &models.Pagination{Page: 3, PageSize: 10, TotalCount: 41}, pagination)
}

func TestListRejectsUnknownChangeType(t *testing.T) {
	packs := &techPackReaderStub{packs: map[string]*models.TechPack{"tp-1": servicePack()}}
	svc := newTestRevisionService(newRevisionStoreStub(), packs)

	_, _, err := svc.List(context.Background(), "tp-1", dto.RevisionQuery{ChangeType: "merge"}, ownerClaims())
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
}

func TestGetComputesDisplayDiffOnDemand(t *testing.T) {
	store := newRevisionStoreStub()
	packs := &techPackReaderStub{packs: map[string]*models.TechPack{"tp-1": servicePack()}}

	before := servicePack()
	after, err := before.Clone()
	require.NoError(t, err)
	after.BOM[0].MaterialName = "Metal"

	previous := &models.Revision{ID: "rev-1", TechPackID: "tp-1", Version: "v1.1", CreatedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, previous.EncodeSnapshot(before))
	current := &models.Revision{ID: "rev-2", TechPackID: "tp-1", Version: "v1.2", CreatedAt: time.Now()}
	require.NoError(t, current.EncodeSnapshot(after))

	store.revisions["rev-2"] = current
	store.previous = previous
	store.prevErr = nil

	svc := newTestRevisionService(store, packs)
	revision, err := svc.Get(context.Background(), "rev-2", ownerClaims())
	require.NoError(t, err)
	require.False(t, revision.ChangeSummary.Empty())
	change, ok := revision.ChangeSummary.Diff["bom[id:a1].materialName"]
	require.True(t, ok)
	assert.Equal(t, "Plastic", change.Old)
	assert.Equal(t, "Metal", change.New)

	// On-the-fly diff is display-only; the stored row keeps its empty summary.
	assert.True(t, store.revisions["rev-2"].ChangeSummary.Empty())
}

func TestCompareTruncatesDiffPaths(t *testing.T) {
	store := newRevisionStoreStub()
	packs := &techPackReaderStub{packs: map[string]*models.TechPack{"tp-1": servicePack()}}

	before := servicePack()
	after, err := before.Clone()
	require.NoError(t, err)
	after.Name = "Renamed"
	after.Season = "SS27"
	after.Description = "updated"
	after.BOM[0].MaterialName = "Metal"

	from := &models.Revision{ID: "rev-1", TechPackID: "tp-1", Version: "v1.1"}
	require.NoError(t, from.EncodeSnapshot(before))
	to := &models.Revision{ID: "rev-2", TechPackID: "tp-1", Version: "v1.2"}
	require.NoError(t, to.EncodeSnapshot(after))
	store.revisions["rev-1"] = from
	store.revisions["rev-2"] = to

	svc := newTestRevisionService(store, packs, WithMaxDiffPaths(2))
	resp, err := svc.Compare(context.Background(), "tp-1", "rev-1", "rev-2", ownerClaims())
	require.NoError(t, err)
	assert.Equal(t, "v1.1", resp.FromVersion)
	assert.Equal(t, "v1.2", resp.ToVersion)
	assert.True(t, resp.Truncated)
	assert.Len(t, resp.Diff, 2)
}

func TestCompareServesCachedResult(t *testing.T) {
	store := newRevisionStoreStub()
	packs := &techPackReaderStub{packs: map[string]*models.TechPack{"tp-1": servicePack()}}

	before := servicePack()
	after, err := before.Clone()
	require.NoError(t, err)
	after.BOM[0].MaterialName = "Metal"

	from := &models.Revision{ID: "rev-1", TechPackID: "tp-1", Version: "v1.1"}
	require.NoError(t, from.EncodeSnapshot(before))
	to := &models.Revision{ID: "rev-2", TechPackID: "tp-1", Version: "v1.2"}
	require.NoError(t, to.EncodeSnapshot(after))
	store.revisions["rev-1"] = from
	store.revisions["rev-2"] = to

	cache := newRevisionCacheStub()
	svc := newTestRevisionService(store, packs, WithRevisionCache(cache, time.Minute))

	first, err := svc.Compare(context.Background(), "tp-1", "rev-1", "rev-2", ownerClaims())
	require.NoError(t, err)
	require.Equal(t, []string{"techpack:tp-1:compare:rev-1:rev-2"}, cache.sets)

	// Drop the rows; a second compare must be served from the cache.
	delete(store.revisions, "rev-1")
	delete(store.revisions, "rev-2")
	second, err := svc.Compare(context.Background(), "tp-1", "rev-1", "rev-2", ownerClaims())
	require.NoError(t, err)
	assert.Equal(t, first.FromVersion, second.FromVersion)
	assert.Equal(t, first.Summary, second.Summary)
	assert.Equal(t, first.Diff, second.Diff)
}

func TestCompareRejectsForeignRevision(t *testing.T) {
	store := newRevisionStoreStub()
	packs := &techPackReaderStub{packs: map[string]*models.TechPack{"tp-1": servicePack()}}

	from := &models.Revision{ID: "rev-1", TechPackID: "tp-1", Version: "v1.1"}
	require.NoError(t, from.EncodeSnapshot(servicePack()))
	foreign := &models.Revision{ID: "rev-2", TechPackID: "tp-other", Version: "v1.4"}
	require.NoError(t, foreign.EncodeSnapshot(servicePack()))
	store.revisions["rev-1"] = from
	store.revisions["rev-2"] = foreign

	svc := newTestRevisionService(store, packs)
	_, err := svc.Compare(context.Background(), "tp-1", "rev-1", "rev-2", ownerClaims())
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound))
}

func TestCompareRequiresSnapshots(t *testing.T) {
	store := newRevisionStoreStub()
	packs := &techPackReaderStub{packs: map[string]*models.TechPack{"tp-1": servicePack()}}

	from := &models.Revision{ID: "rev-1", TechPackID: "tp-1", Version: "v1.1"}
	require.NoError(t, from.EncodeSnapshot(servicePack()))
	bare := &models.Revision{ID: "rev-2", TechPackID: "tp-1", Version: "v1.2"}
	store.revisions["rev-1"] = from
	store.revisions["rev-2"] = bare

	svc := newTestRevisionService(store, packs)
	_, err := svc.Compare(context.Background(), "tp-1", "rev-1", "rev-2", ownerClaims())
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
}

func TestAddComment(t *testing.T) {
	store := newRevisionStoreStub()
	packs := &techPackReaderStub{packs: map[string]*models.TechPack{"tp-1": servicePack()}}
	store.revisions["rev-1"] = &models.Revision{ID: "rev-1", TechPackID: "tp-1", Version: "v1.1"}

	svc := newTestRevisionService(store, packs)
	viewer := &models.JWTClaims{UserID: "viewer-1", Role: models.RoleViewer, FullName: "Vic Mensah"}
	comment, err := svc.AddComment(context.Background(), "rev-1", viewer, "  please check tolerance  ")
	require.NoError(t, err)
	require.Len(t, store.appended, 1)
	assert.Equal(t, "viewer-1", comment.UserID)
	assert.Equal(t, "Vic Mensah", comment.UserName)
	assert.Equal(t, "please check tolerance", comment.Text)
	assert.False(t, comment.CreatedAt.IsZero())
}

func TestAddCommentRequiresText(t *testing.T) {
	svc := newTestRevisionService(newRevisionStoreStub(), &techPackReaderStub{})
	_, err := svc.AddComment(context.Background(), "rev-1", ownerClaims(), "   ")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
}
