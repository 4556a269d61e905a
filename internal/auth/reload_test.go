package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealerdesk/dealerdesk/internal/auth"
	"github.com/dealerdesk/dealerdesk/internal/backend"
	"github.com/dealerdesk/dealerdesk/internal/backend/backendfake"
	"github.com/dealerdesk/dealerdesk/internal/datastore"
	"github.com/dealerdesk/dealerdesk/internal/notify"
)

func TestRoleChangeReachesOtherInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fake := backendfake.NewAuth()
	tables := backendfake.NewTables()
	profiles := auth.NewProfileStore(datastore.New(tables, auth.Profiles, datastore.Options{Notifier: notify.Discard}))
	id := fake.AddUser("boss@dealer.test", "password123")
	tables.Seed("profiles", backend.Values{"id": id.ID, "email": "boss@dealer.test", "name": "Pat", "role": "admin"})
	sess, err := fake.Client(backend.Tokens{}).SignIn(ctx, "boss@dealer.test", "password123")
	require.NoError(t, err)

	// two instances, the session lives on the second one
	regA := auth.NewRegistry(fake, profiles, testOptions(), time.Hour)
	regB := auth.NewRegistry(fake, profiles, testOptions(), time.Hour)
	t.Cleanup(regA.Close)
	t.Cleanup(regB.Close)
	busA := auth.NewReloadBus(client, regA, nil)
	busB := auth.NewReloadBus(client, regB, nil)
	go func() { _ = busB.Listen(ctx) }()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(auth.ReloadChannel)[auth.ReloadChannel] == 1
	}, time.Second, 5*time.Millisecond)

	m := regB.Manager(ctx, "cookie-1", backend.Tokens{AccessToken: sess.AccessToken, RefreshToken: sess.RefreshToken})
	require.True(t, waitReady(t, m).IsAdmin())

	_, err = tables.Update(ctx, "profiles", id.ID, backend.Values{"role": "employee"})
	require.NoError(t, err)
	assert.Zero(t, busA.ReloadIdentity(id.ID), "instance A holds no session of this identity")

	require.Eventually(t, func() bool {
		st := m.Snapshot()
		return st.Ready() && st.Profile != nil && st.Profile.Role == auth.RoleEmployee
	}, time.Second, 5*time.Millisecond)
	assert.False(t, m.Snapshot().IsAdmin())
}

func TestReloadBusIgnoresItsOwnMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fake := backendfake.NewAuth()
	profiles := &stubProfiles{fn: func(_ context.Context, identityID string, _ int) (*auth.Profile, error) {
		return profileFor(identityID, auth.RoleManager), nil
	}}
	reg := auth.NewRegistry(fake, profiles, testOptions(), time.Hour)
	t.Cleanup(reg.Close)
	bus := auth.NewReloadBus(client, reg, nil)
	go func() { _ = bus.Listen(ctx) }()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(auth.ReloadChannel)[auth.ReloadChannel] == 1
	}, time.Second, 5*time.Millisecond)

	client2, id := signedInClient(t, fake, "mgr@dealer.test")
	sess, err := client2.GetSession(ctx)
	require.NoError(t, err)
	m := reg.Manager(ctx, "cookie-1", backend.Tokens{AccessToken: sess.AccessToken, RefreshToken: sess.RefreshToken})
	waitReady(t, m)
	before := profiles.Calls()

	assert.Equal(t, 1, bus.ReloadIdentity(id.ID))
	require.Eventually(t, func() bool { return profiles.Calls() == before+1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before+1, profiles.Calls(), "the publishing instance reloads once")
}
