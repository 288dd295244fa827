package grant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"tokend/internal/domain/models"
	"tokend/internal/lib/audit"
	"tokend/internal/lib/handlers/slogdiscard"
	"tokend/internal/lib/jwt"
	"tokend/internal/lib/metrics"
	"tokend/internal/lib/passhash"
	"tokend/internal/services/credentials"
	"tokend/internal/storage"
	"tokend/internal/storage/memory"
)

var defaultScopes = []string{"email", "offline_access", "openid", "profile", "roles"}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// countingStore records the calls that reach the wrapped store.
type countingStore struct {
	RefreshTokenStore
	puts    atomic.Int64
	redeems atomic.Int64
}

func (s *countingStore) Put(ctx context.Context, rec models.RefreshToken) error {
	err := s.RefreshTokenStore.Put(ctx, rec)
	if err == nil {
		s.puts.Add(1)
	}
	return err
}

func (s *countingStore) Redeem(ctx context.Context, id, successorID string, now time.Time) (models.RefreshToken, error) {
	rec, err := s.RefreshTokenStore.Redeem(ctx, id, successorID, now)
	if err == nil {
		s.redeems.Add(1)
	}
	return rec, err
}

type suite struct {
	proc   *Processor
	codec  *jwt.Codec
	store  *memory.Storage
	tokens *countingStore
	clock  *fakeClock
	audit  *audit.ChannelSink
	reader *sdkmetric.ManualReader
	user   models.User
}

func newSuite(t *testing.T) *suite {
	t.Helper()

	key, err := jwt.NewHMACKey("test", []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	ring, err := jwt.NewKeyring(key)
	require.NoError(t, err)

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	codec := jwt.NewCodec(ring, "http://localhost/", clock.Now)

	store := memory.New()
	s := &suite{
		codec:  codec,
		store:  store,
		tokens: &countingStore{RefreshTokenStore: store},
		clock:  clock,
		audit:  audit.NewChannelSink(64),
		reader: sdkmetric.NewManualReader(),
	}
	s.user = s.addUser(t, "username", "password", defaultScopes)

	recorder, err := metrics.New(sdkmetric.NewMeterProvider(sdkmetric.WithReader(s.reader)).Meter("test"))
	require.NoError(t, err)

	log := slogdiscard.NewDiscardLogger()
	s.proc = New(log, credentials.New(log, store), s.tokens, codec, Config{
		AccessTTL:    5 * time.Minute,
		RefreshTTL:   15 * time.Minute,
		StoreTimeout: time.Second,
		Scopes:       defaultScopes,
	},
		WithClock(clock.Now),
		WithAuditSink(s.audit),
		WithMetrics(recorder),
	)

	return s
}

func (s *suite) addUser(t *testing.T, username, password string, scopes []string) models.User {
	t.Helper()

	hash, err := passhash.Hash(password)
	require.NoError(t, err)

	user := models.User{
		ID:                 uuid.NewString(),
		Username:           username,
		NormalizedUsername: credentials.Normalize(username),
		PassHash:           hash,
		Scopes:             scopes,
		Roles:              []string{"ApplicationRole"},
	}
	require.NoError(t, s.store.SaveUser(context.Background(), user))

	return user
}

func (s *suite) login(t *testing.T, scope string) TokenPair {
	t.Helper()

	pair, err := s.proc.Exchange(context.Background(), Request{
		GrantType: TypePassword,
		Username:  "username",
		Password:  "password",
		Scope:     scope,
	})
	require.NoError(t, err)

	return pair
}

func (s *suite) refresh(refreshToken string) (TokenPair, error) {
	return s.proc.Exchange(context.Background(), Request{
		GrantType:    TypeRefreshToken,
		RefreshToken: refreshToken,
	})
}

func (s *suite) record(t *testing.T, refreshToken string) models.RefreshToken {
	t.Helper()

	claims, err := s.codec.Verify(refreshToken, jwt.KindRefresh, jwt.AllowExpired())
	require.NoError(t, err)

	rec, err := s.store.Get(context.Background(), claims.ID)
	require.NoError(t, err)

	return rec
}

func (s *suite) counter(t *testing.T, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, s.reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

// grantTypes returns the grant_type label of every tokend_grants_total series.
func (s *suite) grantTypes(t *testing.T) []string {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, s.reader.Collect(context.Background(), &rm))

	var out []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "tokend_grants_total" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				v, _ := dp.Attributes.Value("grant_type")
				out = append(out, v.AsString())
			}
		}
	}
	return out
}

func TestPassword_RoundTrip(t *testing.T) {
	s := newSuite(t)

	pair := s.login(t, "openid email offline_access")

	assert.Equal(t, []string{"email", "offline_access", "openid"}, pair.Scopes)
	assert.Equal(t, 5*time.Minute, pair.ExpiresIn)

	access, err := s.codec.Verify(pair.AccessToken, jwt.KindAccess)
	require.NoError(t, err)
	refresh, err := s.codec.Verify(pair.RefreshToken, jwt.KindRefresh)
	require.NoError(t, err)

	assert.Equal(t, s.user.ID, access.Subject)
	assert.Equal(t, s.user.ID, refresh.Subject)
	assert.Equal(t, pair.Scopes, access.Scopes())
	assert.Equal(t, pair.Scopes, refresh.Scopes())
	assert.Equal(t, refresh.ID, access.RefreshID)

	rec := s.record(t, pair.RefreshToken)
	assert.Equal(t, models.StatusActive, rec.Status)
	assert.Equal(t, rec.ID, rec.FamilyID)
	assert.Equal(t, access.ID, rec.AccessTokenID)
	assert.Empty(t, rec.PredecessorID)
}

func TestPassword_InvalidRequest(t *testing.T) {
	s := newSuite(t)

	tests := []struct {
		name string
		req  Request
	}{
		{name: "no username", req: Request{GrantType: TypePassword, Password: "password", Scope: "openid"}},
		{name: "no password", req: Request{GrantType: TypePassword, Username: "username", Scope: "openid"}},
		{name: "no scope", req: Request{GrantType: TypePassword, Username: "username", Password: "password"}},
		{name: "blank scope", req: Request{GrantType: TypePassword, Username: "username", Password: "password", Scope: " \t "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.proc.Exchange(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	assert.Zero(t, s.tokens.puts.Load())
}

func TestPassword_Roles(t *testing.T) {
	s := newSuite(t)

	withRoles := s.login(t, "openid roles")
	access, err := s.codec.Verify(withRoles.AccessToken, jwt.KindAccess)
	require.NoError(t, err)
	assert.Equal(t, []string{"ApplicationRole"}, access.Roles)

	p, err := s.proc.ValidateAccess(context.Background(), withRoles.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, []string{"ApplicationRole"}, p.Roles)

	without := s.login(t, "openid")
	access, err = s.codec.Verify(without.AccessToken, jwt.KindAccess)
	require.NoError(t, err)
	assert.Empty(t, access.Roles)
	refresh, err := s.codec.Verify(without.RefreshToken, jwt.KindRefresh)
	require.NoError(t, err)
	assert.Empty(t, refresh.Roles)
}

func TestRefresh_Roles(t *testing.T) {
	s := newSuite(t)
	first := s.login(t, "openid roles")

	second, err := s.refresh(first.RefreshToken)
	require.NoError(t, err)

	access, err := s.codec.Verify(second.AccessToken, jwt.KindAccess)
	require.NoError(t, err)
	assert.Equal(t, []string{"ApplicationRole"}, access.Roles)

	// Narrowing away the roles scope drops the claim but keeps it on the chain.
	third, err := s.proc.Exchange(context.Background(), Request{
		GrantType: TypeRefreshToken, RefreshToken: second.RefreshToken, Scope: "openid",
	})
	require.NoError(t, err)

	access, err = s.codec.Verify(third.AccessToken, jwt.KindAccess)
	require.NoError(t, err)
	assert.Empty(t, access.Roles)

	refresh, err := s.codec.Verify(third.RefreshToken, jwt.KindRefresh)
	require.NoError(t, err)
	assert.Equal(t, []string{"ApplicationRole"}, refresh.Roles)
}

func TestPassword_InvalidCredentialsHasNoSideEffects(t *testing.T) {
	s := newSuite(t)

	for _, req := range []Request{
		{GrantType: TypePassword, Username: "username", Password: "wrong", Scope: "openid"},
		{GrantType: TypePassword, Username: "username", Password: "wrong", Scope: "openid"},
		{GrantType: TypePassword, Username: "nobody", Password: "password", Scope: "openid"},
	} {
		_, err := s.proc.Exchange(context.Background(), req)
		require.ErrorIs(t, err, ErrInvalidGrant)

		var gerr *Error
		require.ErrorAs(t, err, &gerr)
		assert.Equal(t, "The username/password couple is invalid.", gerr.Description)
	}

	assert.Zero(t, s.tokens.puts.Load())
}

func TestPassword_InvalidScope(t *testing.T) {
	s := newSuite(t)
	s.addUser(t, "limited", "password", []string{"openid"})

	_, err := s.proc.Exchange(context.Background(), Request{
		GrantType: TypePassword, Username: "username", Password: "password", Scope: "openid admin",
	})
	require.ErrorIs(t, err, ErrInvalidScope)

	_, err = s.proc.Exchange(context.Background(), Request{
		GrantType: TypePassword, Username: "limited", Password: "password", Scope: "openid email",
	})
	require.ErrorIs(t, err, ErrInvalidScope)

	assert.Zero(t, s.tokens.puts.Load())
}

func TestRefresh_Rotation(t *testing.T) {
	s := newSuite(t)
	first := s.login(t, "openid email")

	second, err := s.refresh(first.RefreshToken)
	require.NoError(t, err)

	old := s.record(t, first.RefreshToken)
	next := s.record(t, second.RefreshToken)

	assert.Equal(t, models.StatusRedeemed, old.Status)
	assert.Equal(t, next.ID, old.SuccessorID)
	assert.Equal(t, models.StatusActive, next.Status)
	assert.Equal(t, old.ID, next.PredecessorID)
	assert.Equal(t, old.FamilyID, next.FamilyID)
	assert.Equal(t, old.Subject, next.Subject)
	assert.Equal(t, old.Scopes, next.Scopes)

	// The previous access token stays valid until it expires.
	p, err := s.proc.ValidateAccess(context.Background(), first.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, s.user.ID, p.Subject)
}

func TestRefresh_ScopeNonEscalation(t *testing.T) {
	s := newSuite(t)
	first := s.login(t, "openid email")

	_, err := s.proc.Exchange(context.Background(), Request{
		GrantType: TypeRefreshToken, RefreshToken: first.RefreshToken, Scope: "openid roles",
	})
	require.ErrorIs(t, err, ErrInvalidScope)
	assert.Equal(t, models.StatusActive, s.record(t, first.RefreshToken).Status, "rejected scope must not consume the token")

	second, err := s.proc.Exchange(context.Background(), Request{
		GrantType: TypeRefreshToken, RefreshToken: first.RefreshToken, Scope: "openid",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"openid"}, second.Scopes)

	access, err := s.codec.Verify(second.AccessToken, jwt.KindAccess)
	require.NoError(t, err)
	assert.Equal(t, []string{"openid"}, access.Scopes())

	// A blank scope parameter counts as omitted.
	blank, err := s.proc.Exchange(context.Background(), Request{
		GrantType: TypeRefreshToken, RefreshToken: second.RefreshToken, Scope: " \t ",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"email", "openid"}, blank.Scopes)

	access, err = s.codec.Verify(blank.AccessToken, jwt.KindAccess)
	require.NoError(t, err)
	assert.Equal(t, []string{"email", "openid"}, access.Scopes())

	// The narrowed request does not shrink the chain's grant.
	third, err := s.proc.Exchange(context.Background(), Request{
		GrantType: TypeRefreshToken, RefreshToken: blank.RefreshToken, Scope: "email openid",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"email", "openid"}, third.Scopes)
}

func TestRefresh_ReplayRevokesChain(t *testing.T) {
	s := newSuite(t)
	first := s.login(t, "openid")

	second, err := s.refresh(first.RefreshToken)
	require.NoError(t, err)

	_, err = s.refresh(first.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidGrant)
	require.ErrorIs(t, err, storage.ErrAlreadyRedeemed)

	assert.Equal(t, models.StatusRevoked, s.record(t, second.RefreshToken).Status)
	assert.NotNil(t, s.record(t, first.RefreshToken).RevokedAt)

	select {
	case event := <-s.audit.Events():
		assert.Equal(t, audit.EventRefreshTokenReplay, event.Type)
		assert.Equal(t, s.user.ID, event.Subject)
		assert.Equal(t, s.record(t, first.RefreshToken).ID, event.TokenID)
		assert.Equal(t, s.record(t, first.RefreshToken).FamilyID, event.FamilyID)
	default:
		t.Fatal("expected a replay audit event")
	}
	assert.EqualValues(t, 1, s.counter(t, "tokend_refresh_replays_total"))

	_, err = s.refresh(second.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidGrant)
	require.ErrorIs(t, err, storage.ErrRevoked)

	for _, at := range []string{first.AccessToken, second.AccessToken} {
		_, err = s.proc.ValidateAccess(context.Background(), at)
		require.ErrorIs(t, err, ErrInvalidToken)
	}
}

func TestRefresh_Expired(t *testing.T) {
	s := newSuite(t)
	first := s.login(t, "openid")

	s.clock.Advance(15 * time.Minute)

	_, err := s.refresh(first.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidGrant)
	require.ErrorIs(t, err, storage.ErrTokenExpired)
}

func TestRefresh_ExpiredAfterRedemptionIsNotReplay(t *testing.T) {
	s := newSuite(t)
	first := s.login(t, "openid")

	second, err := s.refresh(first.RefreshToken)
	require.NoError(t, err)

	s.clock.Advance(16 * time.Minute)

	_, err = s.refresh(first.RefreshToken)
	require.ErrorIs(t, err, storage.ErrTokenExpired)
	require.NotErrorIs(t, err, storage.ErrAlreadyRedeemed)

	select {
	case event := <-s.audit.Events():
		t.Fatalf("unexpected audit event %q", event.Type)
	default:
	}
	assert.Nil(t, s.record(t, second.RefreshToken).RevokedAt)
}

func TestRefresh_InvalidToken(t *testing.T) {
	s := newSuite(t)
	pair := s.login(t, "openid")

	for name, token := range map[string]string{
		"garbage":      "not.a.token",
		"access token": pair.AccessToken,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.refresh(token)
			require.ErrorIs(t, err, ErrInvalidGrant)
		})
	}

	_, err := s.refresh("")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRefresh_BearerToken(t *testing.T) {
	s := newSuite(t)
	s.addUser(t, "other", "password", defaultScopes)

	mine := s.login(t, "openid")
	theirs, err := s.proc.Exchange(context.Background(), Request{
		GrantType: TypePassword, Username: "other", Password: "password", Scope: "openid",
	})
	require.NoError(t, err)

	_, err = s.proc.Exchange(context.Background(), Request{
		GrantType: TypeRefreshToken, RefreshToken: mine.RefreshToken, AccessToken: theirs.AccessToken,
	})
	require.ErrorIs(t, err, ErrInvalidGrant)
	assert.Equal(t, models.StatusActive, s.record(t, mine.RefreshToken).Status)

	_, err = s.proc.Exchange(context.Background(), Request{
		GrantType: TypeRefreshToken, RefreshToken: mine.RefreshToken, AccessToken: "garbage",
	})
	require.ErrorIs(t, err, ErrInvalidGrant)

	// An expired bearer of the same subject is accepted.
	s.clock.Advance(6 * time.Minute)
	_, err = s.proc.Exchange(context.Background(), Request{
		GrantType: TypeRefreshToken, RefreshToken: mine.RefreshToken, AccessToken: mine.AccessToken,
	})
	require.NoError(t, err)
}

func TestRefresh_ConcurrentRedemption(t *testing.T) {
	s := newSuite(t)
	first := s.login(t, "openid")

	const workers = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(workers)

	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			<-start
			_, err := s.refresh(first.RefreshToken)
			results <- err
		}()
	}

	close(start)
	wg.Wait()
	close(results)

	success := 0
	for err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrInvalidGrant):
		default:
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}

	assert.EqualValues(t, 1, s.tokens.redeems.Load(), "exactly one redemption may win")
	assert.LessOrEqual(t, success, 1)
	assert.NotNil(t, s.record(t, first.RefreshToken).RevokedAt, "losing redemptions revoke the chain")
}

func TestValidateAccess(t *testing.T) {
	s := newSuite(t)
	pair := s.login(t, "openid email")

	p, err := s.proc.ValidateAccess(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, s.user.ID, p.Subject)
	assert.Equal(t, []string{"email", "openid"}, p.Scopes)
	assert.True(t, s.clock.Now().Add(5*time.Minute).Equal(p.ExpiresAt))

	_, err = s.proc.ValidateAccess(context.Background(), pair.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidToken)

	s.clock.Advance(5 * time.Minute)
	_, err = s.proc.ValidateAccess(context.Background(), pair.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
	require.ErrorIs(t, err, jwt.ErrExpired)
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()

	t.Run("refresh token", func(t *testing.T) {
		s := newSuite(t)
		pair := s.login(t, "openid")

		require.NoError(t, s.proc.Revoke(ctx, pair.RefreshToken, ""))

		select {
		case event := <-s.audit.Events():
			rec := s.record(t, pair.RefreshToken)
			assert.Equal(t, audit.EventChainRevoked, event.Type)
			assert.Equal(t, s.user.ID, event.Subject)
			assert.Equal(t, rec.ID, event.TokenID)
			assert.Equal(t, rec.FamilyID, event.FamilyID)
			assert.Equal(t, "client", event.Metadata["reason"])
		default:
			t.Fatal("expected a chain revocation audit event")
		}

		_, err := s.refresh(pair.RefreshToken)
		require.ErrorIs(t, err, storage.ErrRevoked)
		_, err = s.proc.ValidateAccess(ctx, pair.AccessToken)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("access token", func(t *testing.T) {
		s := newSuite(t)
		pair := s.login(t, "openid")

		require.NoError(t, s.proc.Revoke(ctx, pair.AccessToken, HintAccessToken))

		_, err := s.refresh(pair.RefreshToken)
		require.ErrorIs(t, err, storage.ErrRevoked)
	})

	t.Run("unknown token", func(t *testing.T) {
		s := newSuite(t)

		require.NoError(t, s.proc.Revoke(ctx, "garbage", ""))

		select {
		case event := <-s.audit.Events():
			t.Fatalf("unexpected audit event %q", event.Type)
		default:
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		s := newSuite(t)
		pair := s.login(t, "openid")

		require.NoError(t, s.proc.Revoke(ctx, pair.RefreshToken, HintRefreshToken))
		require.NoError(t, s.proc.Revoke(ctx, pair.RefreshToken, HintRefreshToken))
	})

	t.Run("missing token", func(t *testing.T) {
		s := newSuite(t)

		require.ErrorIs(t, s.proc.Revoke(ctx, "", ""), ErrInvalidRequest)
	})
}

func TestExchange_GrantType(t *testing.T) {
	s := newSuite(t)

	_, err := s.proc.Exchange(context.Background(), Request{GrantType: "client_credentials"})
	require.ErrorIs(t, err, ErrUnsupportedGrantType)

	_, err = s.proc.Exchange(context.Background(), Request{})
	require.ErrorIs(t, err, ErrInvalidRequest)

	assert.EqualValues(t, 2, s.counter(t, "tokend_grants_total"))
}

func TestExchange_UnknownGrantTypesShareOneSeries(t *testing.T) {
	s := newSuite(t)

	for i := 0; i < 50; i++ {
		_, err := s.proc.Exchange(context.Background(), Request{GrantType: fmt.Sprintf("junk-%d", i)})
		require.ErrorIs(t, err, ErrUnsupportedGrantType)
	}
	s.login(t, "openid")

	assert.ElementsMatch(t, []string{"unsupported", TypePassword}, s.grantTypes(t))
	assert.EqualValues(t, 51, s.counter(t, "tokend_grants_total"))
}

type brokenStore struct {
	RefreshTokenStore
	err error
}

func (s brokenStore) Put(context.Context, models.RefreshToken) error { return s.err }

func (s brokenStore) Redeem(context.Context, string, string, time.Time) (models.RefreshToken, error) {
	return models.RefreshToken{}, s.err
}

// blockingStore waits for the caller's deadline.
type blockingStore struct {
	RefreshTokenStore
}

func (blockingStore) Redeem(ctx context.Context, _, _ string, _ time.Time) (models.RefreshToken, error) {
	<-ctx.Done()
	return models.RefreshToken{}, ctx.Err()
}

func TestStoreFailure(t *testing.T) {
	s := newSuite(t)
	pair := s.login(t, "openid")
	boom := errors.New("connection refused")

	s.proc.tokens = brokenStore{RefreshTokenStore: s.store, err: boom}

	_, err := s.proc.Exchange(context.Background(), Request{
		GrantType: TypePassword, Username: "username", Password: "password", Scope: "openid",
	})
	require.ErrorIs(t, err, ErrStoreFailure)
	require.ErrorIs(t, err, boom)

	_, err = s.refresh(pair.RefreshToken)
	require.ErrorIs(t, err, ErrStoreFailure)
	assert.Equal(t, ErrStoreFailure, Code(err))
}

func TestStoreTimeout(t *testing.T) {
	s := newSuite(t)
	pair := s.login(t, "openid")

	s.proc.tokens = blockingStore{RefreshTokenStore: s.store}
	s.proc.cfg.StoreTimeout = 20 * time.Millisecond

	_, err := s.refresh(pair.RefreshToken)
	require.ErrorIs(t, err, ErrStoreFailure)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
