package grant

import (
	"context"
	"errors"
	"log/slog"

	"tokend/internal/lib/scope"
	"tokend/internal/lib/sl"
	"tokend/internal/services/credentials"
	"tokend/internal/storage"
)

func (p *Processor) password(ctx context.Context, req Request) (TokenPair, error) {
	const op = "grant.password"

	log := p.log.With(
		slog.String("op", op),
		slog.String("username", req.Username),
	)
	log.Info("password grant request")

	requested := scope.Parse(req.Scope)
	if req.Username == "" || req.Password == "" || len(requested) == 0 {
		return TokenPair{}, newError(ErrInvalidRequest,
			"The mandatory 'username', 'password' and 'scope' parameters must be specified.", nil)
	}

	authCtx, cancel := p.storeContext(ctx)
	defer cancel()

	user, err := p.users.Authenticate(authCtx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, credentials.ErrInvalidCredentials) {
			log.Info("invalid credentials")
			return TokenPair{}, newError(ErrInvalidGrant, "The username/password couple is invalid.", err)
		}
		log.Error("failed to authenticate user", sl.Err(err))
		return TokenPair{}, newError(ErrStoreFailure, "The user store is unavailable.", err)
	}

	if unknown := scope.Missing(requested, p.cfg.Scopes); len(unknown) > 0 {
		log.Info("unsupported scope requested", slog.Any("scopes", unknown))
		return TokenPair{}, newError(ErrInvalidScope, "The specified 'scope' parameter is not supported.", nil)
	}
	if !scope.Subset(requested, user.Scopes) {
		log.Info("scope exceeds user permissions", slog.Any("scopes", scope.Missing(requested, user.Scopes)))
		return TokenPair{}, newError(ErrInvalidScope, "The specified 'scope' parameter is not permitted.", nil)
	}

	pair, err := p.issuePair(ctx, user.ID, requested, requested, user.Roles, p.newID(), "", "")
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateIdentifier) {
			log.Error("refresh token identifier collision", sl.Err(err))
		} else {
			log.Error("failed to issue tokens", sl.Err(err))
		}
		return TokenPair{}, newError(ErrStoreFailure, "The token could not be issued.", err)
	}

	log.Info("tokens issued", slog.String("sub", user.ID))

	return pair, nil
}
