package token

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokend/internal/domain/models"
	"tokend/internal/lib/handlers/slogdiscard"
	"tokend/internal/lib/jwt"
	"tokend/internal/lib/passhash"
	"tokend/internal/services/credentials"
	"tokend/internal/services/grant"
	"tokend/internal/storage/memory"
)

const passDefaultLen = 12

type fixture struct {
	server   *httptest.Server
	username string
	password string
}

func newFixture(t *testing.T, store Pinger) *fixture {
	t.Helper()

	key, err := jwt.NewEphemeralKey()
	require.NoError(t, err)
	ring, err := jwt.NewKeyring(key)
	require.NoError(t, err)
	codec := jwt.NewCodec(ring, "http://localhost/", time.Now)

	mem := memory.New()
	username := gofakeit.Username()
	password := gofakeit.Password(true, true, true, true, false, passDefaultLen)

	hash, err := passhash.Hash(password)
	require.NoError(t, err)
	require.NoError(t, mem.SaveUser(context.Background(), models.User{
		ID:                 uuid.NewString(),
		Username:           username,
		NormalizedUsername: credentials.Normalize(username),
		PassHash:           hash,
		Scopes:             []string{"email", "offline_access", "openid", "profile", "roles"},
		Roles:              []string{"ApplicationRole"},
	}))

	log := slogdiscard.NewDiscardLogger()
	proc := grant.New(log, credentials.New(log, mem), mem, codec, grant.Config{
		AccessTTL:    15 * time.Minute,
		RefreshTTL:   15 * time.Minute,
		StoreTimeout: time.Second,
		Scopes:       []string{"email", "offline_access", "openid", "profile", "roles"},
	})

	if store == nil {
		store = mem
	}

	srv := httptest.NewServer(New(log, proc, store, time.Second).Routes())
	t.Cleanup(srv.Close)

	return &fixture{server: srv, username: username, password: password}
}

func (f *fixture) post(t *testing.T, path string, form url.Values, bearer string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func (f *fixture) login(t *testing.T) Response {
	t.Helper()
	return f.loginScope(t, "openid offline_access")
}

func (f *fixture) loginScope(t *testing.T, scope string) Response {
	t.Helper()

	resp := f.post(t, PathToken, url.Values{
		"grant_type": {"password"},
		"username":   {f.username},
		"password":   {f.password},
		"scope":      {scope},
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func decodeError(t *testing.T, resp *http.Response) ErrorResponse {
	t.Helper()

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHandleToken_Password(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.post(t, PathToken, url.Values{
		"grant_type": {"password"},
		"username":   {strings.ToLower(f.username)},
		"password":   {f.password},
		"scope":      {"openid offline_access"},
	}, "")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no-cache", resp.Header.Get("Pragma"))

	var body Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.AccessToken)
	assert.NotEmpty(t, body.RefreshToken)
	assert.Equal(t, "bearer", body.TokenType)
	assert.EqualValues(t, 900, body.ExpiresIn)
	assert.Equal(t, "offline_access openid", body.Scope)
}

func TestHandleToken_Errors(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		form   url.Values
		status int
		code   string
	}{
		{
			name:   "wrong password",
			form:   url.Values{"grant_type": {"password"}, "username": {f.username}, "password": {"nope"}, "scope": {"openid"}},
			status: http.StatusBadRequest,
			code:   "invalid_grant",
		},
		{
			name:   "missing scope",
			form:   url.Values{"grant_type": {"password"}, "username": {f.username}, "password": {f.password}},
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "blank scope",
			form:   url.Values{"grant_type": {"password"}, "username": {f.username}, "password": {f.password}, "scope": {"   "}},
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "unknown scope",
			form:   url.Values{"grant_type": {"password"}, "username": {f.username}, "password": {f.password}, "scope": {"admin"}},
			status: http.StatusBadRequest,
			code:   "invalid_scope",
		},
		{
			name:   "unsupported grant",
			form:   url.Values{"grant_type": {"client_credentials"}},
			status: http.StatusBadRequest,
			code:   "unsupported_grant_type",
		},
		{
			name:   "missing grant",
			form:   url.Values{},
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "bad refresh token",
			form:   url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"garbage"}},
			status: http.StatusBadRequest,
			code:   "invalid_grant",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.post(t, PathToken, tt.form, "")

			require.Equal(t, tt.status, resp.StatusCode)
			body := decodeError(t, resp)
			assert.Equal(t, tt.code, body.Error)
			assert.NotEmpty(t, body.ErrorDescription)
		})
	}
}

func TestHandleToken_MethodNotAllowed(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.server.Client().Get(f.server.URL + PathToken)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
	assert.Equal(t, "invalid_request", decodeError(t, resp).Error)
}

func TestHandleToken_RefreshWithBearer(t *testing.T) {
	f := newFixture(t, nil)
	first := f.login(t)

	resp := f.post(t, PathToken, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
	}, first.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var second Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&second))
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, first.Scope, second.Scope)

	resp = f.post(t, PathToken, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
	}, first.AccessToken)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", decodeError(t, resp).Error)
}

func TestHandleRevoke(t *testing.T) {
	f := newFixture(t, nil)
	pair := f.login(t)

	resp := f.post(t, PathRevoke, url.Values{"token": {pair.RefreshToken}, "token_type_hint": {"refresh_token"}}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.post(t, PathRevoke, url.Values{"token": {"unknown"}}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.post(t, PathRevoke, url.Values{}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", decodeError(t, resp).Error)

	resp = f.post(t, PathToken, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {pair.RefreshToken},
	}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", decodeError(t, resp).Error)
}

func (f *fixture) me(t *testing.T, accessToken string) MeResponse {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, f.server.URL+PathMe, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body MeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHandleMe(t *testing.T) {
	f := newFixture(t, nil)
	pair := f.login(t)

	body := f.me(t, pair.AccessToken)
	assert.NotEmpty(t, body.Subject)
	assert.Equal(t, pair.Scope, body.Scope)
	assert.Empty(t, body.Roles)

	withRoles := f.loginScope(t, "openid roles")
	assert.Equal(t, []string{"ApplicationRole"}, f.me(t, withRoles.AccessToken).Roles)

	resp2, err := f.server.Client().Get(f.server.URL + PathMe)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHandleHealth(t *testing.T) {
	healthy := newFixture(t, nil)

	resp, err := healthy.server.Client().Get(healthy.server.URL + PathHealth)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down := newFixture(t, pingerFunc(func(context.Context) error { return errors.New("connection refused") }))

	resp2, err := down.server.Client().Get(down.server.URL + PathHealth)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestGrantError_Unclassified(t *testing.T) {
	h := New(slogdiscard.NewDiscardLogger(), nil, nil, 0)
	rec := httptest.NewRecorder()

	h.grantError(rec, "test", errors.New("boom"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "server_error", body.Error)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(grant.ErrInvalidGrant))
	assert.Equal(t, http.StatusBadRequest, statusFor(grant.ErrUnsupportedGrantType))
	assert.Equal(t, http.StatusInternalServerError, statusFor(grant.ErrStoreFailure))
	assert.Equal(t, http.StatusUnauthorized, statusFor(grant.ErrInvalidToken))
}
