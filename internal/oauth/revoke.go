package oauth

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/dgellow/oauth-front/internal/log"
	"github.com/dgellow/oauth-front/internal/metrics"
)

const cascadeConcurrency = 8

// Revoker implements RFC 7009 token revocation
type Revoker struct {
	tokens  TokenStore
	hasher  Hasher
	metrics metrics.Recorder
}

func NewRevoker(tokens TokenStore, hasher Hasher, recorder metrics.Recorder) *Revoker {
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &Revoker{tokens: tokens, hasher: hasher, metrics: recorder}
}

// Revoke removes value on behalf of clientID. Unknown tokens succeed
// silently. Revoking a refresh token also removes every access token minted
// from it for the same client.
func (rv *Revoker) Revoke(ctx context.Context, clientID, value string) error {
	if value == "" {
		return NewOAuthError(KindMissingParameter, "token is required")
	}

	tok, err := rv.tokens.Get(ctx, value)
	if errors.Is(err, ErrTokenNotFound) {
		tok, err = rv.tokens.GetByHash(ctx, rv.hasher.Hash(value))
	}
	if errors.Is(err, ErrTokenNotFound) {
		return nil
	}
	if err != nil {
		return serverError("revoke", err)
	}

	if tok.ClientID != clientID {
		return NewOAuthError(KindUnauthorizedClient, "the token was issued to another client")
	}

	if err := rv.remove(ctx, tok); err != nil {
		return serverError("revoke", err)
	}

	cascaded := 0
	if tok.Type == TokenTypeRefresh {
		cascaded, err = rv.cascade(ctx, tok)
		if err != nil {
			return serverError("revoke", err)
		}
	}

	rv.metrics.RecordTokenRevoked(string(tok.Type), cascaded)
	log.LogInfoWithFields("revoke", "Token revoked", map[string]any{
		"client_id": clientID,
		"user":      tok.Username,
		"type":      string(tok.Type),
		"cascaded":  cascaded,
	})
	return nil
}

// cascade removes the access tokens whose RefreshTokenKey is refresh's id
func (rv *Revoker) cascade(ctx context.Context, refresh *Token) (int, error) {
	all, err := rv.tokens.GetAllUserTokens(ctx, refresh.Username)
	if err != nil {
		return 0, err
	}

	var victims []*Token
	for _, tok := range all {
		if tok.Type == TokenTypeAccess && tok.RefreshTokenKey == refresh.ID && tok.ClientID == refresh.ClientID {
			victims = append(victims, tok)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cascadeConcurrency)
	for _, tok := range victims {
		g.Go(func() error {
			return rv.remove(gctx, tok)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(victims), nil
}

// remove is idempotent: an already removed token is not an error
func (rv *Revoker) remove(ctx context.Context, tok *Token) error {
	var err error
	if tok.Hash != "" {
		err = rv.tokens.RemoveByHash(ctx, tok.Hash)
	} else {
		err = rv.tokens.Remove(ctx, tok.ID)
	}
	if errors.Is(err, ErrTokenNotFound) {
		return nil
	}
	return err
}
