package grant

import (
	"context"
	"errors"
	"log/slog"

	"tokend/internal/lib/audit"
	"tokend/internal/lib/jwt"
	"tokend/internal/lib/scope"
	"tokend/internal/lib/sl"
	"tokend/internal/storage"
)

func (p *Processor) refresh(ctx context.Context, req Request) (TokenPair, error) {
	const op = "grant.refresh"

	log := p.log.With(slog.String("op", op))
	log.Info("refresh grant request")

	if req.RefreshToken == "" {
		return TokenPair{}, newError(ErrInvalidRequest, "The mandatory 'refresh_token' parameter is missing.", nil)
	}

	// Expiry is left to the store so an expired token reports ErrTokenExpired
	// whatever its redemption state.
	claims, err := p.codec.Verify(req.RefreshToken, jwt.KindRefresh, jwt.AllowExpired())
	if err != nil {
		log.Info("invalid refresh token", sl.Err(err))
		return TokenPair{}, newError(ErrInvalidGrant, "The specified refresh token is invalid.", err)
	}

	log = log.With(slog.String("sub", claims.Subject), slog.String("token_id", claims.ID))

	if req.AccessToken != "" {
		bearer, err := p.codec.Verify(req.AccessToken, jwt.KindAccess, jwt.AllowExpired())
		if err != nil {
			log.Info("invalid bearer token on refresh", sl.Err(err))
			return TokenPair{}, newError(ErrInvalidGrant, "The specified access token is invalid.", err)
		}
		if bearer.Subject != claims.Subject {
			log.Warn("bearer token subject mismatch", slog.String("bearer_sub", bearer.Subject))
			return TokenPair{}, newError(ErrInvalidGrant,
				"The specified access token does not belong to the owner of the refresh token.", nil)
		}
	}

	// A blank scope parameter counts as omitted.
	granted := claims.Scopes()
	requested := granted
	if narrowed := scope.Parse(req.Scope); len(narrowed) > 0 {
		requested = narrowed
		if !scope.Subset(requested, granted) {
			log.Info("scope escalation attempt", slog.Any("scopes", scope.Missing(requested, granted)))
			return TokenPair{}, newError(ErrInvalidScope,
				"The specified 'scope' parameter exceeds the scopes granted to the refresh token.", nil)
		}
	}

	successorID := p.newID()

	storeCtx, cancel := p.storeContext(ctx)
	prev, err := p.tokens.Redeem(storeCtx, claims.ID, successorID, p.now())
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyRedeemed):
			p.replayDetected(ctx, log, claims)
			return TokenPair{}, newError(ErrInvalidGrant, "The specified refresh token has already been redeemed.", err)
		case errors.Is(err, storage.ErrRevoked):
			log.Info("refresh token revoked")
			return TokenPair{}, newError(ErrInvalidGrant, "The specified refresh token has been revoked.", err)
		case errors.Is(err, storage.ErrTokenExpired):
			log.Info("refresh token expired")
			return TokenPair{}, newError(ErrInvalidGrant, "The specified refresh token has expired.", err)
		case errors.Is(err, storage.ErrNotFound):
			log.Info("refresh token not found")
			return TokenPair{}, newError(ErrInvalidGrant, "The specified refresh token is invalid.", err)
		default:
			log.Error("failed to redeem refresh token", sl.Err(err))
			return TokenPair{}, newError(ErrStoreFailure, "The token store is unavailable.", err)
		}
	}

	pair, err := p.issuePair(ctx, prev.Subject, prev.Scopes, requested, claims.Roles, successorID, prev.FamilyID, prev.ID)
	if err != nil {
		if errors.Is(err, storage.ErrRevoked) {
			log.Warn("refresh chain revoked during rotation", slog.String("family_id", prev.FamilyID))
			return TokenPair{}, newError(ErrInvalidGrant, "The specified refresh token has been revoked.", err)
		}
		log.Error("failed to issue tokens", sl.Err(err))
		return TokenPair{}, newError(ErrStoreFailure, "The token could not be issued.", err)
	}

	log.Info("tokens refreshed", slog.String("successor_id", successorID))

	return pair, nil
}

// replayDetected revokes the chain of a redeemed refresh token that was presented again.
func (p *Processor) replayDetected(ctx context.Context, log *slog.Logger, claims *jwt.Claims) {
	log.Warn("refresh token replay detected", slog.String("event", audit.EventRefreshTokenReplay))

	p.metrics.Replay(ctx)

	storeCtx, cancel := p.storeContext(ctx)
	defer cancel()

	now := p.now()
	if err := p.tokens.Revoke(storeCtx, claims.ID, now); err != nil {
		log.Error("failed to revoke refresh chain", sl.Err(err))
	} else {
		p.metrics.Revocation(ctx, "replay")
	}

	event := audit.Event{
		Timestamp: now,
		Type:      audit.EventRefreshTokenReplay,
		Subject:   claims.Subject,
		TokenID:   claims.ID,
	}
	if rec, err := p.tokens.Get(storeCtx, claims.ID); err == nil {
		event.FamilyID = rec.FamilyID
		event.Metadata = map[string]string{"successor_id": rec.SuccessorID}
	}

	p.audit.Emit(ctx, event)
}
