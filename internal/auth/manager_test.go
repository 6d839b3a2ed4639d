package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olliecrow/quota_monitor/internal/secrets"
)

type tokenServer struct {
	t       *testing.T
	calls   atomic.Int32
	forms   chan url.Values
	respond func(w http.ResponseWriter, form url.Values)
}

func newTokenServer(t *testing.T, respond func(w http.ResponseWriter, form url.Values)) (*tokenServer, *httptest.Server) {
	ts := &tokenServer{t: t, forms: make(chan url.Values, 16), respond: respond}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		select {
		case ts.forms <- r.PostForm:
		default:
		}
		ts.respond(w, r.PostForm)
	}))
	t.Cleanup(srv.Close)
	return ts, srv
}

func writeToken(w http.ResponseWriter, access, refresh string, expiresIn int) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   expiresIn,
	}
	if refresh != "" {
		body["refresh_token"] = refresh
	}
	_ = json.NewEncoder(w).Encode(body)
}

func newTestManager(t *testing.T, tokenURL string, onFailure func(error)) (*Manager, *Store, *clockwork.FakeClock) {
	t.Helper()
	store := NewLocalStore(secrets.NewMemoryStore())
	clock := clockwork.NewFakeClockAt(time.Now())
	m := NewManager(Options{
		Store: store,
		OAuth: OAuthConfig{
			ClientID:     "client-123",
			AuthorizeURL: "https://auth.example.com/oauth/authorize",
			TokenURL:     tokenURL,
			RedirectURI:  "https://auth.example.com/callback",
			Scopes:       []string{"user:profile", "user:inference"},
		},
		Clock:           clock,
		OnRefreshFailed: onFailure,
	})
	return m, store, clock
}

func seed(t *testing.T, store *Store, c Credentials) {
	t.Helper()
	require.NoError(t, store.Save(context.Background(), &c))
}

func TestValidCredentialsRefreshesInsideBuffer(t *testing.T) {
	ts, srv := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		writeToken(w, "new-access", "new-refresh", 3600)
	})
	m, store, clock := newTestManager(t, srv.URL, nil)
	seed(t, store, Credentials{AccessToken: "old-access", RefreshToken: "old-refresh", ExpiresAt: clock.Now().Add(4 * time.Minute), Email: "a@example.com"})

	creds, err := m.ValidCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-access", creds.AccessToken)
	assert.Equal(t, "new-refresh", creds.RefreshToken)
	assert.Equal(t, "a@example.com", creds.Email, "issuer metadata survives a refresh")
	assert.True(t, creds.ExpiresAt.After(clock.Now().Add(50*time.Minute)))

	form := <-ts.forms
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "old-refresh", form.Get("refresh_token"))
	assert.Equal(t, "client-123", form.Get("client_id"))

	stored, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-access", stored.AccessToken)
}

func TestValidCredentialsSkipsRefreshWhenFresh(t *testing.T) {
	ts, srv := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		writeToken(w, "new-access", "new-refresh", 3600)
	})
	m, store, clock := newTestManager(t, srv.URL, nil)
	seed(t, store, Credentials{AccessToken: "access", RefreshToken: "refresh", ExpiresAt: clock.Now().Add(time.Hour)})

	token, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access", token)
	assert.Equal(t, int32(0), ts.calls.Load())
}

func TestRefreshFailureRetainsStaleCredentials(t *testing.T) {
	_, srv := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	})
	var failures atomic.Int32
	m, store, clock := newTestManager(t, srv.URL, func(error) { failures.Add(1) })
	expired := clock.Now().Add(-time.Minute)
	seed(t, store, Credentials{AccessToken: "stale", RefreshToken: "refresh", ExpiresAt: expired})

	creds, err := m.ValidCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stale", creds.AccessToken, "stale token is still handed out for one more attempt")
	assert.Equal(t, int32(1), failures.Load())

	_, err = m.RefreshAccessToken(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), failures.Load())

	stored, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stale", stored.AccessToken)
	assert.Equal(t, "refresh", stored.RefreshToken)
}

func TestRefreshRequiresBothTokensInResponse(t *testing.T) {
	_, srv := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		writeToken(w, "new-access", "", 3600)
	})
	m, store, clock := newTestManager(t, srv.URL, nil)
	seed(t, store, Credentials{AccessToken: "old", RefreshToken: "refresh", ExpiresAt: clock.Now()})

	creds, err := m.Refresh(context.Background())
	require.ErrorContains(t, err, "refresh_token")
	require.NotNil(t, creds)
	assert.Equal(t, "old", creds.AccessToken)
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	ts, srv := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {})
	m, store, clock := newTestManager(t, srv.URL, nil)
	seed(t, store, Credentials{AccessToken: "only-access", ExpiresAt: clock.Now()})

	_, err := m.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoRefreshToken)
	assert.Equal(t, int32(0), ts.calls.Load())
}

func TestConcurrentRefreshSharesOneExchange(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	ts, srv := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		once.Do(func() { close(entered) })
		<-release
		writeToken(w, "shared-access", "shared-refresh", 3600)
	})
	m, store, clock := newTestManager(t, srv.URL, nil)
	seed(t, store, Credentials{AccessToken: "old", RefreshToken: "refresh", ExpiresAt: clock.Now()})

	const callers = 5
	results := make(chan string, callers)
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	start := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := m.RefreshAccessToken(context.Background())
			results <- token
			errs <- err
		}()
	}
	start()
	<-entered
	for i := 1; i < callers; i++ {
		start()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	for token := range results {
		assert.Equal(t, "shared-access", token)
	}
	assert.Equal(t, int32(1), ts.calls.Load())
}

func TestStoreSaveInvariants(t *testing.T) {
	store := NewLocalStore(secrets.NewMemoryStore())
	ctx := context.Background()
	later := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	assert.ErrorIs(t, store.Save(ctx, &Credentials{RefreshToken: "r"}), ErrEmptyAccessToken)

	require.NoError(t, store.Save(ctx, &Credentials{AccessToken: "a", ExpiresAt: later}))
	require.NoError(t, store.Save(ctx, &Credentials{AccessToken: "b", ExpiresAt: later.Add(-time.Hour)}))
	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", got.AccessToken)
	assert.Equal(t, later, got.ExpiresAt)

	require.NoError(t, store.Clear(ctx))
	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestLocalStorePersistsThroughSecretStore(t *testing.T) {
	sealer := secrets.NewPassphraseSealer("pw", secrets.WithArgon2Params(1, 1024, 1))
	backing, err := secrets.NewFileStore(t.TempDir(), sealer)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, NewLocalStore(backing).Save(ctx, &Credentials{AccessToken: "persisted", RefreshToken: "r"}))

	got, err := NewLocalStore(backing).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.AccessToken)
}

func TestExternalStoreReadsAndWritesBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".credentials.json")
	original := `{
  "claudeAiOauth": {
    "accessToken": "ext-access",
    "refreshToken": "ext-refresh",
    "expiresAt": 1767225600000,
    "subscriptionType": "max",
    "scopes": ["user:inference"]
  },
  "otherTool": {"keep": true}
}`
	require.NoError(t, os.WriteFile(path, []byte(original), 0o600))
	store := NewExternalStore(path)
	ctx := context.Background()

	creds, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ext-access", creds.AccessToken)
	assert.Equal(t, "max", creds.PlanTier)
	assert.Equal(t, time.UnixMilli(1767225600000).UTC(), creds.ExpiresAt)

	expiry := time.UnixMilli(1767232800000).UTC()
	require.NoError(t, store.Save(ctx, &Credentials{AccessToken: "rotated", RefreshToken: "rotated-refresh", ExpiresAt: expiry}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, true, doc["otherTool"]["keep"])
	entry := doc["claudeAiOauth"]
	assert.Equal(t, "rotated", entry["accessToken"])
	assert.Equal(t, "rotated-refresh", entry["refreshToken"])
	assert.Equal(t, float64(1767232800000), entry["expiresAt"])
	assert.Equal(t, "max", entry["subscriptionType"])
	assert.NotNil(t, entry["scopes"])

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, store.Clear(ctx))
	_, err = os.Stat(path)
	assert.NoError(t, err, "clearing the external source leaves the file alone")
}

func TestExternalStoreMissingFile(t *testing.T) {
	store := NewExternalStore(filepath.Join(t.TempDir(), "missing.json"))
	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestLoginFlow(t *testing.T) {
	ts, srv := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "login-access",
			"refresh_token": "login-refresh",
			"expires_in":    28800,
			"token_type":    "Bearer",
			"account":       map[string]any{"uuid": "acct-1", "email_address": "me@example.com"},
		})
	})
	m, store, _ := newTestManager(t, srv.URL, nil)
	ctx := context.Background()

	_, err := m.SubmitAuthorizationCode(ctx, "code")
	require.ErrorIs(t, err, ErrLoginNotStarted)

	req, err := m.StartLogin()
	require.NoError(t, err)
	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, req.State, q.Get("state"))
	assert.Equal(t, "client-123", q.Get("client_id"))

	_, err = m.SubmitAuthorizationCode(ctx, "the-code#wrong-state")
	require.ErrorIs(t, err, ErrStateMismatch)

	creds, err := m.SubmitAuthorizationCode(ctx, "the-code#"+req.State)
	require.NoError(t, err)
	assert.Equal(t, "login-access", creds.AccessToken)
	assert.Equal(t, "acct-1", creds.AccountID)
	assert.Equal(t, "me@example.com", creds.Email)

	form := <-ts.forms
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "the-code", form.Get("code"))
	assert.NotEmpty(t, form.Get("code_verifier"))
	assert.Equal(t, "https://auth.example.com/callback", form.Get("redirect_uri"))

	assert.True(t, m.HasCredentials(ctx))
	info, err := m.UserInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, info.Source)
	assert.Equal(t, "me@example.com", info.Email)
	assert.True(t, info.HasRefreshToken)

	_, err = m.SubmitAuthorizationCode(ctx, "again")
	assert.ErrorIs(t, err, ErrLoginNotStarted, "a completed login cannot be replayed")

	require.NoError(t, m.Logout(ctx))
	assert.False(t, m.HasCredentials(ctx))
	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestLoginExpires(t *testing.T) {
	ts, srv := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		writeToken(w, "a", "r", 3600)
	})
	m, _, clock := newTestManager(t, srv.URL, nil)

	_, err := m.StartLogin()
	require.NoError(t, err)
	clock.Advance(11 * time.Minute)

	_, err = m.SubmitAuthorizationCode(context.Background(), "code")
	assert.ErrorIs(t, err, ErrLoginExpired)
	assert.Equal(t, int32(0), ts.calls.Load())
}

func TestExternalSourceCannotLogin(t *testing.T) {
	m := NewManager(Options{Store: NewExternalStore(filepath.Join(t.TempDir(), "c.json"))})
	_, err := m.StartLogin()
	assert.True(t, errors.Is(err, ErrExternalSource))
}

type flakySecrets struct {
	*secrets.MemoryStore
	failSet atomic.Bool
}

func (s *flakySecrets) Set(ctx context.Context, key string, value []byte) error {
	if s.failSet.Load() {
		return errors.New("disk full")
	}
	return s.MemoryStore.Set(ctx, key, value)
}

func TestFailedLoginKeepsPreviousCredentials(t *testing.T) {
	_, srv := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		writeToken(w, "new-access", "new-refresh", 3600)
	})
	backing := &flakySecrets{MemoryStore: secrets.NewMemoryStore()}
	store := NewLocalStore(backing)
	clock := clockwork.NewFakeClockAt(time.Now())
	m := NewManager(Options{
		Store: store,
		OAuth: OAuthConfig{ClientID: "client-123", AuthorizeURL: "https://auth.example.com/oauth/authorize", TokenURL: srv.URL},
		Clock: clock,
	})
	ctx := context.Background()
	seed(t, store, Credentials{AccessToken: "old-access", RefreshToken: "old-refresh", ExpiresAt: clock.Now().Add(8 * time.Hour)})

	_, err := m.StartLogin()
	require.NoError(t, err)
	backing.failSet.Store(true)
	_, err = m.SubmitAuthorizationCode(ctx, "code")
	require.ErrorContains(t, err, "disk full")

	assert.True(t, m.HasCredentials(ctx))
	got, err := NewLocalStore(backing).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "old-access", got.AccessToken)

	backing.failSet.Store(false)
	_, err = m.StartLogin()
	require.NoError(t, err)
	creds, err := m.SubmitAuthorizationCode(ctx, "code")
	require.NoError(t, err)
	assert.Equal(t, "new-access", creds.AccessToken)

	got, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new-access", got.AccessToken)
	assert.True(t, got.ExpiresAt.Before(clock.Now().Add(2*time.Hour)), "a new login does not inherit the old expiry")
}
