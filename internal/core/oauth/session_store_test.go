package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowStore never answers a Get
type slowStore struct {
	*MemoryStore
	release chan struct{}
}

func (s *slowStore) Get(ctx context.Context, key string) ([]byte, error) {
	<-s.release
	return nil, ErrKeyNotFound
}

// gatedStore holds every Get until release is closed
type gatedStore struct {
	*MemoryStore
	entered chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{MemoryStore: NewMemoryStore(), entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gatedStore) Get(ctx context.Context, key string) ([]byte, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.MemoryStore.Get(ctx, key)
}

type failingStore struct {
	*MemoryStore
}

func (f *failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("disk on fire")
}

func (f *failingStore) Delete(ctx context.Context, key string) error {
	return errors.New("disk on fire")
}

func storedSession(t *testing.T, store Store, sess Session) {
	t.Helper()
	raw, err := json.Marshal(sess)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), SessionKey, raw))
}

func TestRestore_NoSession(t *testing.T) {
	svc, _ := newTestService(t)
	assert.False(t, svc.Restore(context.Background()))
	assert.False(t, svc.State().IsAuthenticated)
}

func TestRestore_LoadsPersistedSession(t *testing.T) {
	svc, deps := newTestService(t)
	storedSession(t, deps.store, Session{
		Handle:      testHandle,
		DID:         testDID,
		AccessToken: "access",
		Method:      MethodOAuth,
		Active:      true,
		DPoPBound:   true,
	})

	var got []AuthState
	svc.OnStateChange(func(s AuthState) { got = append(got, s) })

	require.True(t, svc.Restore(context.Background()))
	require.Len(t, got, 1)
	assert.True(t, got[0].IsAuthenticated)
	assert.Equal(t, testDID, got[0].Session.DID)
	// an opaque token falls back to the default host
	assert.Equal(t, "https://bsky.social", got[0].Agent)
}

func TestRestore_AlreadyAuthenticatedSkipsStorage(t *testing.T) {
	svc, deps := newTestService(t)
	_, err := svc.ActivateDemo(context.Background())
	require.NoError(t, err)

	before := deps.store.getCount()
	assert.True(t, svc.Restore(context.Background()))
	assert.True(t, svc.Restore(context.Background()))
	assert.Equal(t, before, deps.store.getCount())
}

func TestRestore_CorruptRecordIsDeleted(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":   `{"did":`,
		"bad did":    `{"did":"nope","accessToken":"x","method":"oauth"}`,
		"no token":   `{"did":"did:plc:abc","method":"oauth"}`,
		"bad method": `{"did":"did:plc:abc","accessToken":"x","method":"magic"}`,
	} {
		t.Run(name, func(t *testing.T) {
			svc, deps := newTestService(t)
			require.NoError(t, deps.store.Put(context.Background(), SessionKey, []byte(raw)))

			assert.False(t, svc.Restore(context.Background()))
			_, err := deps.store.MemoryStore.Get(context.Background(), SessionKey)
			assert.ErrorIs(t, err, ErrKeyNotFound)
		})
	}
}

func TestRestore_TimesOut(t *testing.T) {
	store := &slowStore{MemoryStore: NewMemoryStore(), release: make(chan struct{})}
	defer close(store.release)

	svc := NewService(Config{RestoreTimeout: 50 * time.Millisecond}, store, nil, nil, nil, nil, nil)

	start := time.Now()
	assert.False(t, svc.Restore(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRestore_ReadErrorIsNotAuthenticated(t *testing.T) {
	svc := NewService(Config{}, &failingStore{MemoryStore: NewMemoryStore()}, nil, nil, nil, nil, nil)
	assert.False(t, svc.Restore(context.Background()))
}

func TestRestore_LoginDuringReadWins(t *testing.T) {
	store := newGatedStore()
	storedSession(t, store.MemoryStore, Session{
		Handle:      testHandle,
		DID:         testDID,
		AccessToken: "stale",
		Method:      MethodPassword,
		Active:      true,
	})
	svc := NewService(Config{}, store, &fakeResolver{}, &fakeDiscoverer{}, &fakeTokens{}, &fakePasswords{}, nil)

	restored := make(chan bool, 1)
	go func() { restored <- svc.Restore(context.Background()) }()
	<-store.entered

	_, err := svc.ActivateDemo(context.Background())
	require.NoError(t, err)
	close(store.release)

	assert.True(t, <-restored)
	cur, ok := svc.CurrentSession()
	require.True(t, ok)
	assert.True(t, cur.IsDemo, "restore must not overwrite a session set while it was reading")
}

func TestRestore_LogoutDuringReadWins(t *testing.T) {
	store := newGatedStore()
	storedSession(t, store.MemoryStore, Session{
		Handle:      testHandle,
		DID:         testDID,
		AccessToken: "stale",
		Method:      MethodPassword,
		Active:      true,
	})
	svc := NewService(Config{}, store, &fakeResolver{}, &fakeDiscoverer{}, &fakeTokens{}, &fakePasswords{}, nil)

	restored := make(chan bool, 1)
	go func() { restored <- svc.Restore(context.Background()) }()
	<-store.entered

	require.NoError(t, svc.Logout(context.Background()))
	close(store.release)

	assert.False(t, <-restored)
	assert.False(t, svc.State().IsAuthenticated)
}

func TestLogout(t *testing.T) {
	svc, deps := newTestService(t)
	_ = startLogin(t, svc)
	_, err := svc.ActivateDemo(context.Background())
	require.NoError(t, err)

	var last AuthState
	svc.OnStateChange(func(s AuthState) { last = s })

	require.NoError(t, svc.Logout(context.Background()))
	assert.False(t, last.IsAuthenticated)
	assert.Nil(t, last.Session)

	for _, key := range []string{SessionKey, PendingKey} {
		_, err := deps.store.MemoryStore.Get(context.Background(), key)
		assert.ErrorIs(t, err, ErrKeyNotFound, key)
	}

	assert.False(t, svc.Restore(context.Background()))
}

func TestLogout_StorageFailureStillResetsMemory(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	svc := NewService(Config{}, store, nil, nil, nil, nil, nil)
	_, err := svc.ActivateDemo(context.Background())
	require.NoError(t, err)

	assert.Error(t, svc.Logout(context.Background()))
	assert.False(t, svc.State().IsAuthenticated)
}

func TestOnStateChange_PanickingSubscriberDoesNotStopOthers(t *testing.T) {
	svc, _ := newTestService(t)

	var order []string
	svc.OnStateChange(func(AuthState) { order = append(order, "first") })
	svc.OnStateChange(func(AuthState) { panic("boom") })
	svc.OnStateChange(func(AuthState) { order = append(order, "third") })

	_, err := svc.ActivateDemo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "third"}, order)
}

func TestOnStateChange_Unsubscribe(t *testing.T) {
	svc, _ := newTestService(t)

	calls := 0
	unsubscribe := svc.OnStateChange(func(AuthState) { calls++ })

	_, err := svc.ActivateDemo(context.Background())
	require.NoError(t, err)
	unsubscribe()
	unsubscribe()
	require.NoError(t, svc.Logout(context.Background()))

	assert.Equal(t, 1, calls)
}

func TestOnStateChange_SubscribersGetCopies(t *testing.T) {
	svc, _ := newTestService(t)
	svc.OnStateChange(func(s AuthState) {
		if s.Session != nil {
			s.Session.DID = "did:plc:tampered"
		}
	})

	_, err := svc.ActivateDemo(context.Background())
	require.NoError(t, err)

	cur, ok := svc.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, DemoDID, cur.DID)
}
