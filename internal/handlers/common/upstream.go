package common

import (
	"context"
	"io"

	"geminigate-go/internal/credential"
	"geminigate-go/internal/upstream"
)

// OpenStream acquires a pool token and opens the upstream stream. An
// upstream 403 permanently disables the credential in use and the request is
// retried once on the next viable one.
func OpenStream(ctx context.Context, pool *credential.Pool, client *upstream.Client, payload []byte) (io.ReadCloser, error) {
	cred, err := pool.GetToken(ctx)
	if err != nil {
		return nil, err
	}
	body, err := client.Stream(ctx, payload, cred.AccessToken)
	if err == nil {
		return body, nil
	}
	if !upstream.IsForbidden(err) {
		return nil, err
	}
	next, ferr := pool.OnUpstreamForbidden(ctx, cred)
	if ferr != nil {
		return nil, ferr
	}
	return client.Stream(ctx, payload, next.AccessToken)
}
