package jwt

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"tokend/internal/lib/scope"
)

// Kind separates access tokens from refresh tokens so one cannot be used as the other.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

var (
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrExpired          = errors.New("token expired")
	ErrWrongTokenKind   = errors.New("wrong token kind")
	ErrMalformed        = errors.New("malformed token")
	ErrInvalidAudience  = errors.New("invalid token audience")
)

// Claims is the claim set of every token issued by the codec.
type Claims struct {
	Scope     string   `json:"scope,omitempty"`
	Kind      Kind     `json:"token_use"`
	RefreshID string   `json:"rti,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) Scopes() []string {
	return scope.Parse(c.Scope)
}

// Token is a freshly signed token together with the values embedded in it.
type Token struct {
	Raw       string
	ID        string
	Subject   string
	Scopes    []string
	Kind      Kind
	Roles     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type Codec struct {
	keys     *Keyring
	issuer   string
	audience string
	now      func() time.Time
}

type CodecOption func(*Codec)

// WithAudience stamps access tokens with aud and rejects access tokens without it.
func WithAudience(aud string) CodecOption {
	return func(c *Codec) { c.audience = aud }
}

// NewCodec returns a codec signing with keys. now defaults to time.Now.
func NewCodec(keys *Keyring, issuer string, now func() time.Time, opts ...CodecOption) *Codec {
	if now == nil {
		now = time.Now
	}
	c := &Codec{
		keys:   keys,
		issuer: issuer,
		now:    now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type issueOptions struct {
	id        string
	refreshID string
	roles     []string
}

type IssueOption func(*issueOptions)

// WithID sets the token identifier instead of generating one.
func WithID(id string) IssueOption {
	return func(o *issueOptions) { o.id = id }
}

// WithRefreshID binds an access token to the refresh token issued with it.
func WithRefreshID(id string) IssueOption {
	return func(o *issueOptions) { o.refreshID = id }
}

// WithRoles embeds the subject's roles in the token.
func WithRoles(roles []string) IssueOption {
	return func(o *issueOptions) { o.roles = roles }
}

// Issue signs a new token with the current signing key.
func (c *Codec) Issue(
	subject string,
	scopes []string,
	kind Kind,
	ttl time.Duration,
	opts ...IssueOption,
) (Token, error) {
	const op = "jwt.Issue"

	if ttl < time.Second {
		return Token{}, fmt.Errorf("%s: ttl must be at least one second, got %s", op, ttl)
	}

	var o issueOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	key, err := c.keys.Signing()
	if err != nil {
		return Token{}, fmt.Errorf("%s: %w", op, err)
	}

	issuedAt := c.now().Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl)

	claims := Claims{
		Scope:     scope.Format(scopes),
		Kind:      kind,
		RefreshID: o.refreshID,
		Roles:     o.roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        o.id,
			Subject:   subject,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	if kind == KindAccess && c.audience != "" {
		claims.Audience = jwt.ClaimStrings{c.audience}
	}

	token := jwt.NewWithClaims(key.method(), claims)
	token.Header["kid"] = key.ID

	raw, err := token.SignedString(key.signKey())
	if err != nil {
		return Token{}, fmt.Errorf("%s: %w", op, err)
	}

	return Token{
		Raw:       raw,
		ID:        o.id,
		Subject:   subject,
		Scopes:    scopes,
		Kind:      kind,
		Roles:     o.roles,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}

type verifyOptions struct {
	allowExpired bool
}

type VerifyOption func(*verifyOptions)

// AllowExpired accepts tokens past their expiry. Signature, issuer and kind
// are still checked.
func AllowExpired() VerifyOption {
	return func(o *verifyOptions) { o.allowExpired = true }
}

// Verify parses tokenString and checks signature, expiry, issuer and kind.
func (c *Codec) Verify(tokenString string, kind Kind, opts ...VerifyOption) (*Claims, error) {
	const op = "jwt.Verify"

	var o verifyOptions
	for _, opt := range opts {
		opt(&o)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(c.keys.algorithms()),
		jwt.WithTimeFunc(c.now),
	}
	if o.allowExpired {
		// Also skips nbf. Check it below if Issue ever sets one.
		parserOpts = append(parserOpts, jwt.WithoutClaimsValidation())
	} else {
		parserOpts = append(parserOpts, jwt.WithExpirationRequired(), jwt.WithIssuer(c.issuer))
		if kind == KindAccess && c.audience != "" {
			parserOpts = append(parserOpts, jwt.WithAudience(c.audience))
		}
	}

	claims := &Claims{}
	token, err := jwt.NewParser(parserOpts...).ParseWithClaims(tokenString, claims, c.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, classify(err))
	}
	if !token.Valid {
		return nil, fmt.Errorf("%s: %w", op, ErrMalformed)
	}

	if claims.Issuer != c.issuer || claims.ID == "" || claims.Subject == "" || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrMalformed)
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("%s: %w: want %s, got %q", op, ErrWrongTokenKind, kind, claims.Kind)
	}
	if kind == KindAccess && c.audience != "" && !slices.Contains(claims.Audience, c.audience) {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidAudience)
	}

	return claims, nil
}

func (c *Codec) keyFunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("missing kid")
	}

	key, ok := c.keys.Lookup(kid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	}
	if token.Method.Alg() != key.Algorithm() {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	return key.verifyKey(), nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrInvalidAudience
	default:
		return ErrMalformed
	}
}
