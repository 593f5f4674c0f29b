package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"settings-service/internal/audit"
	"settings-service/internal/model"
	"settings-service/internal/repository"
)

// fakeStore is an in-memory repository.SettingsStore. Load and Save go
// through a JSON round-trip so the service never shares memory with the
// store, same as a real serializing backend.
type fakeStore struct {
	docs    map[string][]byte
	exports []*model.ExportRequest

	saveCalls     int
	forceConflict bool
	notFoundOnce  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: map[string][]byte{}}
}

func (f *fakeStore) Load(_ context.Context, userID string) (*model.AccountSettings, error) {
	if f.notFoundOnce {
		f.notFoundOnce = false
		return nil, repository.ErrNotFound
	}
	raw, ok := f.docs[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	var doc model.AccountSettings
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (f *fakeStore) Save(_ context.Context, doc *model.AccountSettings) error {
	f.saveCalls++
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	f.docs[doc.UserID] = raw
	return nil
}

func (f *fakeStore) SaveIfVersion(ctx context.Context, doc *model.AccountSettings, expectedVersion int64) error {
	if f.forceConflict {
		return repository.ErrVersionConflict
	}
	current, err := f.Load(ctx, doc.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		if expectedVersion != 0 {
			return repository.ErrVersionConflict
		}
	} else if err != nil {
		return err
	} else if current.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	return f.Save(ctx, doc)
}

func (f *fakeStore) CreateExportRequest(_ context.Context, req *model.ExportRequest) error {
	f.exports = append(f.exports, req)
	return nil
}

func (f *fakeStore) ListExportRequests(_ context.Context, userID string) ([]*model.ExportRequest, error) {
	out := []*model.ExportRequest{}
	for _, req := range f.exports {
		if req.UserID == userID {
			out = append(out, req)
		}
	}
	return out, nil
}

func (f *fakeStore) HealthCheck(context.Context) error { return nil }

// mustLoad returns the stored document, bypassing the service.
func (f *fakeStore) mustLoad(t *testing.T, userID string) *model.AccountSettings {
	t.Helper()
	doc, err := f.Load(context.Background(), userID)
	require.NoError(t, err)
	return doc
}

type fakeSessions struct {
	invalidated []string
	err         error
}

func (f *fakeSessions) InvalidateAllSessions(_ context.Context, userID string) error {
	f.invalidated = append(f.invalidated, userID)
	return f.err
}

func newTestService(store *fakeStore, sessions *fakeSessions) *SettingsService {
	var authority repository.SessionAuthority
	if sessions != nil {
		authority = sessions
	}
	return NewSettingsService(store, authority, nil, zap.NewNop())
}

func TestGetSettings_CreatesDefaultOnFirstAccess(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	doc, err := svc.GetSettings(ctx, "user-1", "user-1")
	require.NoError(t, err)
	require.Equal(t, "user-1", doc.UserID)
	require.Equal(t, int64(1), doc.Version)
	require.Equal(t, model.StatusActive, doc.AccountManagement.AccountStatus)
	require.True(t, doc.Privacy.CookiePreferences.Necessary)

	// Re-reading does not bump the version or rewrite the document.
	saves := store.saveCalls
	again, err := svc.GetSettings(ctx, "user-1", "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), again.Version)
	require.Equal(t, saves, store.saveCalls)
}

func TestGetSettings_CreationRaceFallsBackToWinner(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	// A concurrent request created the document between this request's
	// failed read and its conditional create.
	winner := model.DefaultAccountSettings("user-1", time.Now().UTC())
	winner.Version = 3
	require.NoError(t, store.Save(ctx, winner))
	store.notFoundOnce = true

	doc, err := svc.GetSettings(ctx, "user-1", "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(3), doc.Version, "the loser adopts the winner's document")
}

func TestAuthorization_CrossUserRejected(t *testing.T) {
	store := newFakeStore()
	sessions := &fakeSessions{}
	svc := newTestService(store, sessions)
	ctx := context.Background()

	_, err := svc.GetSettings(ctx, "user-2", "user-1")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.ReplaceSettings(ctx, "user-2", "user-1", &model.AccountSettings{})
	require.ErrorIs(t, err, ErrUnauthorized)

	err = svc.Deactivate(ctx, "user-2", "user-1", "reason")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.Sync(ctx, "", "user-1", &model.AccountSettings{})
	require.ErrorIs(t, err, ErrUnauthorized)

	// Nothing was written and no sessions were touched.
	require.Zero(t, store.saveCalls)
	require.Empty(t, sessions.invalidated)
}

func TestPatchSection_BumpsVersionByOnePerWrite(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	require.NoError(t, svc.UpdateCommunication(ctx, "user-1", "user-1", model.CommunicationSettings{
		Newsletter: model.NewsletterSubscriptions{Promotions: true},
	}))
	require.NoError(t, svc.UpdateSecurity(ctx, "user-1", "user-1", model.SecuritySettings{
		TwoFactorEnabled: true,
	}))
	require.NoError(t, svc.UpdateShippingPayment(ctx, "user-1", "user-1", model.ShippingPaymentSettings{}))

	doc := store.mustLoad(t, "user-1")
	require.Equal(t, int64(4), doc.Version, "default doc is v1, three patches bump to v4")
	require.True(t, doc.Communication.Newsletter.Promotions)
	require.True(t, doc.Security.TwoFactorEnabled)
}

func TestPatchSection_LeavesOtherSectionsUntouched(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	require.NoError(t, svc.UpdateSecurity(ctx, "user-1", "user-1", model.SecuritySettings{TwoFactorEnabled: true}))

	doc := store.mustLoad(t, "user-1")
	require.True(t, doc.Communication.EmailNotifications.OrderUpdates, "communication defaults survive a security patch")
	require.True(t, doc.Privacy.DataProcessingConsent)
}

func TestPatchSection_RejectsInvalidAddresses(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	err := svc.UpdateShippingPayment(ctx, "user-1", "user-1", model.ShippingPaymentSettings{
		DeliveryAddresses: []model.Address{{ID: "a"}, {ID: "a"}},
	})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestReplaceSettings_ServerOwnsVersionAndIdentity(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	// Seed at v1 via read-through.
	_, err := svc.GetSettings(ctx, "user-1", "user-1")
	require.NoError(t, err)

	incoming := model.DefaultAccountSettings("someone-else", time.Now().UTC())
	incoming.Version = 99
	incoming.Privacy.CookiePreferences.Necessary = false
	incoming.Communication.Newsletter.CareTips = true

	doc, err := svc.ReplaceSettings(ctx, "user-1", "user-1", incoming)
	require.NoError(t, err)
	require.Equal(t, "user-1", doc.UserID, "userId is pinned to the path, not the body")
	require.Equal(t, int64(2), doc.Version, "version comes from the server copy, not the client")
	require.True(t, doc.Privacy.CookiePreferences.Necessary, "necessary cookie is force-corrected")
	require.True(t, doc.Communication.Newsletter.CareTips)
}

func TestAddAddress_FirstBecomesDefault(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	addr, err := svc.AddAddress(ctx, "user-1", "user-1", model.Address{
		Street: "Hauptstr. 1", PostalCode: "10115", City: "Berlin", Country: "DE",
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(addr.ID, "addr-"), "id is server-generated")
	require.True(t, addr.IsDefault, "first address becomes the default")

	doc := store.mustLoad(t, "user-1")
	require.Len(t, doc.ShippingPayment.DeliveryAddresses, 1)
	require.Equal(t, int64(2), doc.Version)
}

func TestAddAddress_NewDefaultDemotesPrevious(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	first, err := svc.AddAddress(ctx, "user-1", "user-1", model.Address{
		Street: "Hauptstr. 1", PostalCode: "10115", City: "Berlin", Country: "DE",
	})
	require.NoError(t, err)

	second, err := svc.AddAddress(ctx, "user-1", "user-1", model.Address{
		Street: "Nebenweg 2", PostalCode: "20095", City: "Hamburg", Country: "DE", IsDefault: true,
	})
	require.NoError(t, err)
	require.True(t, second.IsDefault)

	doc := store.mustLoad(t, "user-1")
	require.Len(t, doc.ShippingPayment.DeliveryAddresses, 2)
	def := doc.DefaultAddress()
	require.NotNil(t, def)
	require.Equal(t, second.ID, def.ID)
	for _, a := range doc.ShippingPayment.DeliveryAddresses {
		if a.ID == first.ID {
			require.False(t, a.IsDefault)
		}
	}
}

func TestAddAddress_NonDefaultSecondKeepsExistingDefault(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	first, err := svc.AddAddress(ctx, "user-1", "user-1", model.Address{
		Street: "Hauptstr. 1", PostalCode: "10115", City: "Berlin", Country: "DE",
	})
	require.NoError(t, err)

	second, err := svc.AddAddress(ctx, "user-1", "user-1", model.Address{
		Street: "Nebenweg 2", PostalCode: "20095", City: "Hamburg", Country: "DE",
	})
	require.NoError(t, err)
	require.False(t, second.IsDefault)

	doc := store.mustLoad(t, "user-1")
	require.Equal(t, first.ID, doc.DefaultAddress().ID)
}

func TestAddAddress_RejectsIncompleteAddress(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)

	_, err := svc.AddAddress(context.Background(), "user-1", "user-1", model.Address{City: "Berlin"})
	require.ErrorIs(t, err, ErrInvalidInput)
	require.Zero(t, store.saveCalls)
}

func TestRemoveAddress_UnknownIDIsANoOp(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	_, err := svc.AddAddress(ctx, "user-1", "user-1", model.Address{
		Street: "Hauptstr. 1", PostalCode: "10115", City: "Berlin", Country: "DE",
	})
	require.NoError(t, err)
	before := store.mustLoad(t, "user-1")

	require.NoError(t, svc.RemoveAddress(ctx, "user-1", "user-1", "addr-does-not-exist"))

	after := store.mustLoad(t, "user-1")
	require.Equal(t, before.Version, after.Version, "no-op removal does not bump the version")
	require.Equal(t, before.ShippingPayment.DeliveryAddresses, after.ShippingPayment.DeliveryAddresses)
}

func TestRemoveAddress_RemovingDefaultDoesNotPromote(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	def, err := svc.AddAddress(ctx, "user-1", "user-1", model.Address{
		Street: "Hauptstr. 1", PostalCode: "10115", City: "Berlin", Country: "DE",
	})
	require.NoError(t, err)
	_, err = svc.AddAddress(ctx, "user-1", "user-1", model.Address{
		Street: "Nebenweg 2", PostalCode: "20095", City: "Hamburg", Country: "DE",
	})
	require.NoError(t, err)

	require.NoError(t, svc.RemoveAddress(ctx, "user-1", "user-1", def.ID))

	doc := store.mustLoad(t, "user-1")
	require.Len(t, doc.ShippingPayment.DeliveryAddresses, 1)
	require.Nil(t, doc.DefaultAddress(), "no automatic promotion after removing the default")
}

func TestDeactivate_SetsStatusAndRevokesSessions(t *testing.T) {
	store := newFakeStore()
	sessions := &fakeSessions{}
	svc := newTestService(store, sessions)
	ctx := context.Background()

	require.NoError(t, svc.Deactivate(ctx, "user-1", "user-1", "  taking a break  "))

	doc := store.mustLoad(t, "user-1")
	require.Equal(t, model.StatusDeactivated, doc.AccountManagement.AccountStatus)
	require.Equal(t, "taking a break", doc.AccountManagement.DeactivationReason)
	require.NotNil(t, doc.AccountManagement.DeactivatedAt)
	require.Equal(t, []string{"user-1"}, sessions.invalidated)
}

func TestDeactivate_SessionFailureDoesNotRollBack(t *testing.T) {
	store := newFakeStore()
	sessions := &fakeSessions{err: errors.New("redis down")}
	svc := newTestService(store, sessions)
	ctx := context.Background()

	require.NoError(t, svc.Deactivate(ctx, "user-1", "user-1", "reason"))

	doc := store.mustLoad(t, "user-1")
	require.Equal(t, model.StatusDeactivated, doc.AccountManagement.AccountStatus)
}

func TestReactivate(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeSessions{})
	ctx := context.Background()

	// Reactivating an active account is rejected.
	_, err := svc.GetSettings(ctx, "user-1", "user-1")
	require.NoError(t, err)
	require.ErrorIs(t, svc.Reactivate(ctx, "user-1", "user-1"), ErrInvalidInput)

	require.NoError(t, svc.Deactivate(ctx, "user-1", "user-1", "reason"))
	require.NoError(t, svc.Reactivate(ctx, "user-1", "user-1"))

	doc := store.mustLoad(t, "user-1")
	require.Equal(t, model.StatusActive, doc.AccountManagement.AccountStatus)
	require.Empty(t, doc.AccountManagement.DeactivationReason)
	require.Nil(t, doc.AccountManagement.DeactivatedAt)
}

func TestRequestDeletion_RecordsWithoutErasing(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	require.NoError(t, svc.UpdateSecurity(ctx, "user-1", "user-1", model.SecuritySettings{TwoFactorEnabled: true}))
	require.NoError(t, svc.RequestDeletion(ctx, "user-1", "user-1", "no longer needed"))

	doc := store.mustLoad(t, "user-1")
	require.Equal(t, "no longer needed", doc.AccountManagement.DeletionReason)
	require.NotNil(t, doc.AccountManagement.DeletionRequestedAt)
	require.True(t, doc.Security.TwoFactorEnabled, "the rest of the document survives")
	require.Equal(t, model.StatusActive, doc.AccountManagement.AccountStatus)
}

func TestDataExport_RoundTrip(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	req, err := svc.RequestDataExport(ctx, "user-1", "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, req.RequestID)
	require.Equal(t, model.ExportStatusPending, req.Status)

	list, err := svc.ListExportRequests(ctx, "user-1", "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, req.RequestID, list[0].RequestID)

	// Export records never leak across users.
	_, err = svc.ListExportRequests(ctx, "user-2", "user-1")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestSync_ClientAheadWins(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	server := model.DefaultAccountSettings("user-1", time.Now().UTC())
	server.Version = 3
	require.NoError(t, store.Save(ctx, server))

	client := model.DefaultAccountSettings("user-1", time.Now().UTC())
	client.Version = 5
	client.Communication.Newsletter.Promotions = true

	doc, err := svc.Sync(ctx, "user-1", "user-1", client)
	require.NoError(t, err)
	require.Equal(t, int64(5), doc.Version, "the client version is adopted verbatim, not re-bumped")
	require.True(t, doc.Communication.Newsletter.Promotions)

	stored := store.mustLoad(t, "user-1")
	require.Equal(t, int64(5), stored.Version)
	require.True(t, stored.Communication.Newsletter.Promotions)
}

func TestSync_ServerCurrentOrAheadWins(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	server := model.DefaultAccountSettings("user-1", time.Now().UTC())
	server.Version = 3
	server.Security.TwoFactorEnabled = true
	require.NoError(t, store.Save(ctx, server))

	for _, clientVersion := range []int64{2, 3} {
		client := model.DefaultAccountSettings("user-1", time.Now().UTC())
		client.Version = clientVersion
		client.Security.TwoFactorEnabled = false

		doc, err := svc.Sync(ctx, "user-1", "user-1", client)
		require.NoError(t, err)
		require.Equal(t, int64(3), doc.Version)
		require.True(t, doc.Security.TwoFactorEnabled, "the client submission is discarded")
	}

	stored := store.mustLoad(t, "user-1")
	require.Equal(t, int64(3), stored.Version)
}

func TestSync_NoServerCopyAdoptsClient(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	client := model.DefaultAccountSettings("user-1", time.Now().UTC())
	client.Version = 7
	client.Privacy.CookiePreferences.Necessary = false

	doc, err := svc.Sync(ctx, "user-1", "user-1", client)
	require.NoError(t, err)
	require.Equal(t, int64(7), doc.Version)
	require.True(t, doc.Privacy.CookiePreferences.Necessary, "normalization applies to adopted snapshots too")

	stored := store.mustLoad(t, "user-1")
	require.Equal(t, int64(7), stored.Version)
}

func TestSync_ZeroClientVersionTreatedAsOne(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	client := &model.AccountSettings{UserID: "user-1"}
	doc, err := svc.Sync(ctx, "user-1", "user-1", client)
	require.NoError(t, err)
	require.Equal(t, int64(1), doc.Version)
}

func TestChangeHistory(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	_, err := svc.ChangeHistory(ctx, "user-2", "user-1", 10)
	require.ErrorIs(t, err, ErrUnauthorized)

	// No recorder configured: history is unavailable, not empty.
	_, err = svc.ChangeHistory(ctx, "user-1", "user-1", 10)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestChangeHistory_NoSinkConfigured(t *testing.T) {
	store := newFakeStore()
	recorder := audit.NewRecorder(nil, nil, zap.NewNop())
	svc := NewSettingsService(store, nil, recorder, zap.NewNop())

	_, err := svc.ChangeHistory(context.Background(), "user-1", "user-1", 10)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestSaveConflictSurfacesErrConflict(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	_, err := svc.GetSettings(ctx, "user-1", "user-1")
	require.NoError(t, err)

	store.forceConflict = true
	err = svc.UpdateSecurity(ctx, "user-1", "user-1", model.SecuritySettings{TwoFactorEnabled: true})
	require.ErrorIs(t, err, ErrConflict)
}
