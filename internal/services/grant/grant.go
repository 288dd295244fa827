// Package grant implements the OAuth2 password and rolling refresh token grants.
package grant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"tokend/internal/domain/models"
	"tokend/internal/lib/audit"
	"tokend/internal/lib/jwt"
	"tokend/internal/lib/metrics"
)

const (
	TypePassword     = "password"
	TypeRefreshToken = "refresh_token"
)

// ScopeRoles makes the subject's roles part of the issued tokens.
const ScopeRoles = "roles"

// typeUnsupported labels every grant type the processor does not implement.
const typeUnsupported = "unsupported"

// OAuth2 error codes. Every error returned by the processor wraps exactly one of them.
var (
	ErrInvalidRequest       = errors.New("invalid_request")
	ErrInvalidGrant         = errors.New("invalid_grant")
	ErrInvalidScope         = errors.New("invalid_scope")
	ErrUnsupportedGrantType = errors.New("unsupported_grant_type")
	ErrStoreFailure         = errors.New("server_error")
	ErrInvalidToken         = errors.New("invalid_token")
)

// Error is a failure safe to show to the client.
type Error struct {
	Code        error
	Description string
	cause       error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.cause)
}

func (e *Error) Unwrap() []error {
	if e.cause == nil {
		return []error{e.Code}
	}
	return []error{e.Code, e.cause}
}

func newError(code error, description string, cause error) *Error {
	return &Error{Code: code, Description: description, cause: cause}
}

// Code returns the OAuth2 error code carried by err, or ErrStoreFailure.
func Code(err error) error {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return ErrStoreFailure
}

// Request is one token endpoint call.
type Request struct {
	GrantType    string
	Username     string
	Password     string
	Scope        string
	RefreshToken string
	// AccessToken is the bearer token sent alongside a refresh grant, if any.
	AccessToken string
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	Scopes       []string
}

// Principal is the identity behind a validated access token.
type Principal struct {
	Subject   string
	Scopes    []string
	Roles     []string
	TokenID   string
	ExpiresAt time.Time
}

type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (models.User, error)
}

type RefreshTokenStore interface {
	Put(ctx context.Context, rec models.RefreshToken) error
	Redeem(ctx context.Context, id, successorID string, now time.Time) (models.RefreshToken, error)
	Revoke(ctx context.Context, id string, now time.Time) error
	Get(ctx context.Context, id string) (models.RefreshToken, error)
}

type TokenCodec interface {
	Issue(subject string, scopes []string, kind jwt.Kind, ttl time.Duration, opts ...jwt.IssueOption) (jwt.Token, error)
	Verify(tokenString string, kind jwt.Kind, opts ...jwt.VerifyOption) (*jwt.Claims, error)
}

type Config struct {
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	StoreTimeout time.Duration
	// Scopes lists every scope clients may request.
	Scopes []string
}

type Processor struct {
	log     *slog.Logger
	users   Authenticator
	tokens  RefreshTokenStore
	codec   TokenCodec
	audit   audit.Sink
	metrics *metrics.Recorder
	now     func() time.Time
	newID   func() string
	cfg     Config
}

type Option func(*Processor)

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func WithAuditSink(sink audit.Sink) Option {
	return func(p *Processor) { p.audit = sink }
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(p *Processor) { p.metrics = r }
}

// New returns a new instance of the grant processor.
func New(
	log *slog.Logger,
	users Authenticator,
	tokens RefreshTokenStore,
	codec TokenCodec,
	cfg Config,
	opts ...Option,
) *Processor {
	p := &Processor{
		log:     log,
		users:   users,
		tokens:  tokens,
		codec:   codec,
		audit:   audit.NoOpSink{},
		metrics: metrics.NewNoop(),
		now:     time.Now,
		newID:   uuid.NewString,
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Exchange runs the grant named by req.GrantType.
func (p *Processor) Exchange(ctx context.Context, req Request) (TokenPair, error) {
	const op = "grant.Exchange"

	var (
		pair TokenPair
		err  error
	)
	switch req.GrantType {
	case TypePassword:
		pair, err = p.password(ctx, req)
	case TypeRefreshToken:
		pair, err = p.refresh(ctx, req)
	case "":
		err = newError(ErrInvalidRequest, "The mandatory 'grant_type' parameter is missing.", nil)
	default:
		err = newError(ErrUnsupportedGrantType, "The specified 'grant_type' parameter is not supported.", nil)
	}

	if err != nil {
		p.metrics.Grant(ctx, grantLabel(req.GrantType), Code(err).Error())
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	p.metrics.Grant(ctx, grantLabel(req.GrantType), metrics.OutcomeSuccess)
	return pair, nil
}

// grantLabel bounds the grant_type metric label to known values.
func grantLabel(grantType string) string {
	switch grantType {
	case TypePassword, TypeRefreshToken, "":
		return grantType
	default:
		return typeUnsupported
	}
}

// issuePair mints an access/refresh pair and persists the refresh record.
// granted is bound to the refresh token, requested to the access token.
// roles go into each token whose scopes include ScopeRoles.
func (p *Processor) issuePair(
	ctx context.Context,
	subject string,
	granted, requested, roles []string,
	refreshID, familyID, predecessorID string,
) (TokenPair, error) {
	accessOpts := []jwt.IssueOption{jwt.WithRefreshID(refreshID)}
	if slices.Contains(requested, ScopeRoles) {
		accessOpts = append(accessOpts, jwt.WithRoles(roles))
	}
	access, err := p.codec.Issue(subject, requested, jwt.KindAccess, p.cfg.AccessTTL, accessOpts...)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}

	refreshOpts := []jwt.IssueOption{jwt.WithID(refreshID)}
	if slices.Contains(granted, ScopeRoles) {
		refreshOpts = append(refreshOpts, jwt.WithRoles(roles))
	}
	refresh, err := p.codec.Issue(subject, granted, jwt.KindRefresh, p.cfg.RefreshTTL, refreshOpts...)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue refresh token: %w", err)
	}

	if familyID == "" {
		familyID = refreshID
	}

	rec := models.RefreshToken{
		ID:            refresh.ID,
		FamilyID:      familyID,
		Subject:       subject,
		Scopes:        granted,
		IssuedAt:      refresh.IssuedAt,
		ExpiresAt:     refresh.ExpiresAt,
		Status:        models.StatusActive,
		PredecessorID: predecessorID,
		AccessTokenID: access.ID,
	}

	storeCtx, cancel := p.storeContext(ctx)
	defer cancel()

	if err := p.tokens.Put(storeCtx, rec); err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  access.Raw,
		RefreshToken: refresh.Raw,
		ExpiresIn:    access.ExpiresAt.Sub(access.IssuedAt),
		Scopes:       requested,
	}, nil
}

func (p *Processor) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.cfg.StoreTimeout)
}
