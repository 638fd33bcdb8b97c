package apiclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/singleflight"

	"github.com/go-authgate/console-cli/tokenstore"
)

const refreshFlightKey = "refresh"

// refresher recovers a request rejected with 401: it refreshes the access
// token through the auth client and reissues the request once.
//
//	ISSUED -> DONE
//	ISSUED -> REFRESHING -> RETRIED -> DONE
//	any    -> FAILED
type refresher struct {
	store    tokenstore.Store
	auth     TokenRefresher
	observer Observer
	logger   *slog.Logger
	coalesce bool
	group    singleflight.Group
}

// recover handles failure, the error of p's first dispatch made with the
// access token sentWith. reissue sends p again with a fresh token.
func (r *refresher) recover(
	ctx context.Context,
	p *Request,
	sentWith string,
	failure error,
	reissue func(token string) (*Response, error),
) (*Response, error) {
	var respErr *ResponseError
	if !errors.As(failure, &respErr) || respErr.StatusCode() != http.StatusUnauthorized {
		return nil, failure
	}

	// A retry is never refreshed again; a 401 here is the server's verdict
	// on a token that was just issued.
	if p.retried {
		return nil, failure
	}

	r.observer.AccessTokenRejected()

	refreshToken, ok := r.store.RefreshToken()
	if !ok {
		r.logger.Warn("could not refresh the access token, refresh token not found",
			"request_id", p.id,
		)
		return nil, &UnrecoverableError{
			Reason:   ReasonNoRefreshToken,
			Response: respErr.Response,
		}
	}

	token, cleared, err := r.obtain(ctx, sentWith, refreshToken)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("token refresh interrupted: %w", ctxErr)
		}
		r.observer.RefreshFailed(err)
		r.logger.Warn("could not refresh the token, error during the request flow",
			"request_id", p.id,
			"error", err,
		)
		return nil, &UnrecoverableError{
			Reason:   ReasonRefreshFailed,
			Response: respErr.Response,
			Cause:    err,
			cleared:  cleared,
		}
	}

	p.retried = true
	r.observer.TokenRefreshedRetrying()
	r.logger.Debug("retrying request with refreshed token", "request_id", p.id)

	return reissue(token)
}

// obtain returns a fresh access token. With coalescing, concurrent callers
// share one refresh call, and a caller whose token was already replaced by
// someone else's refresh reuses the stored one.
func (r *refresher) obtain(ctx context.Context, sentWith, refreshToken string) (string, bool, error) {
	if !r.coalesce {
		return r.refresh(ctx, refreshToken)
	}

	if current, ok := r.store.AccessToken(); ok && current != sentWith {
		return current, false, nil
	}

	// detached so one caller giving up does not fail the others
	flight := r.group.DoChan(refreshFlightKey, func() (any, error) {
		token, cleared, err := r.refresh(context.WithoutCancel(ctx), refreshToken)
		if err != nil {
			return cleared, err
		}
		return token, nil
	})

	select {
	case res := <-flight:
		if res.Err != nil {
			cleared, _ := res.Val.(bool)
			return "", cleared, res.Err
		}
		return res.Val.(string), false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// refresh performs one refresh call and records its outcome in the store:
// the new access token on success, a cleared store on failure. The bool
// reports whether the store was cleared.
func (r *refresher) refresh(ctx context.Context, refreshToken string) (string, bool, error) {
	r.observer.Refreshing()

	token, err := r.auth.Refresh(ctx, refreshToken)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, err
		}
		if clearErr := r.store.Clear(); clearErr != nil {
			r.logger.Error("failed to clear credentials", "error", clearErr)
			return "", false, err
		}
		return "", true, err
	}

	if err := r.store.SetAccessToken(token.AccessToken); err != nil {
		r.logger.Error("failed to store refreshed access token", "error", err)
		r.observer.TokenSaveFailed(err)
	}
	if token.RefreshToken != "" && token.RefreshToken != refreshToken {
		if err := r.store.SetRefreshToken(token.RefreshToken); err != nil {
			r.logger.Error("failed to store rotated refresh token", "error", err)
			r.observer.TokenSaveFailed(err)
		}
	}

	r.observer.RefreshOK()
	return token.AccessToken, false, nil
}
