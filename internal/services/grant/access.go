package grant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tokend/internal/lib/audit"
	"tokend/internal/lib/jwt"
	"tokend/internal/lib/sl"
	"tokend/internal/storage"
)

// Token type hints accepted by Revoke (RFC 7009 section 2.1).
const (
	HintAccessToken  = "access_token"
	HintRefreshToken = "refresh_token"
)

// ValidateAccess verifies an access token and checks that its refresh chain was not revoked.
func (p *Processor) ValidateAccess(ctx context.Context, token string) (Principal, error) {
	const op = "grant.ValidateAccess"

	claims, err := p.codec.Verify(token, jwt.KindAccess)
	if err != nil {
		return Principal{}, fmt.Errorf("%s: %w", op, newError(ErrInvalidToken, "The access token is invalid.", err))
	}

	if claims.RefreshID != "" {
		storeCtx, cancel := p.storeContext(ctx)
		defer cancel()

		rec, err := p.tokens.Get(storeCtx, claims.RefreshID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return Principal{}, fmt.Errorf("%s: %w", op, newError(ErrInvalidToken, "The access token is invalid.", err))
		case err != nil:
			p.log.Error("failed to load refresh chain", slog.String("op", op), sl.Err(err))
			return Principal{}, fmt.Errorf("%s: %w", op, newError(ErrStoreFailure, "The token store is unavailable.", err))
		case !rec.Usable():
			return Principal{}, fmt.Errorf("%s: %w", op,
				newError(ErrInvalidToken, "The access token has been revoked.", storage.ErrRevoked))
		}
	}

	return Principal{
		Subject:   claims.Subject,
		Scopes:    claims.Scopes(),
		Roles:     claims.Roles,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Revoke revokes the refresh chain token belongs to. A refresh token names its
// own record; an access token names the refresh token minted with it.
// Unknown, invalid and already revoked tokens are ignored.
func (p *Processor) Revoke(ctx context.Context, token, hint string) error {
	const op = "grant.Revoke"

	log := p.log.With(slog.String("op", op))

	if token == "" {
		return fmt.Errorf("%s: %w", op, newError(ErrInvalidRequest, "The mandatory 'token' parameter is missing.", nil))
	}

	kinds := []jwt.Kind{jwt.KindRefresh, jwt.KindAccess}
	if hint == HintAccessToken {
		kinds = []jwt.Kind{jwt.KindAccess, jwt.KindRefresh}
	}

	var recordID, subject string
	for _, kind := range kinds {
		claims, err := p.codec.Verify(token, kind, jwt.AllowExpired())
		if err != nil {
			continue
		}
		recordID, subject = claims.ID, claims.Subject
		if kind == jwt.KindAccess {
			recordID = claims.RefreshID
		}
		break
	}
	if recordID == "" {
		log.Info("ignoring revocation of unrecognized token")
		return nil
	}

	storeCtx, cancel := p.storeContext(ctx)
	defer cancel()

	now := p.now()
	if err := p.tokens.Revoke(storeCtx, recordID, now); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		log.Error("failed to revoke refresh chain", sl.Err(err))
		return fmt.Errorf("%s: %w", op, newError(ErrStoreFailure, "The token store is unavailable.", err))
	}

	p.metrics.Revocation(ctx, "client")
	log.Info("refresh chain revoked", slog.String("token_id", recordID))

	event := audit.Event{
		Timestamp: now,
		Type:      audit.EventChainRevoked,
		Subject:   subject,
		TokenID:   recordID,
		Metadata:  map[string]string{"reason": "client"},
	}
	if rec, err := p.tokens.Get(storeCtx, recordID); err == nil {
		event.FamilyID = rec.FamilyID
	}
	p.audit.Emit(ctx, event)

	return nil
}
