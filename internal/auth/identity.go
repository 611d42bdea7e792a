package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/knpwrs/recfetch/internal/fetcher"
	"github.com/knpwrs/recfetch/internal/model"
)

// IdentityClient issues Scheme A credentials from the identity service.
type IdentityClient struct {
	fetcher *fetcher.Fetcher
	url     string
	token   string
}

type identityRequest struct {
	Scheme string `json:"scheme"`
}

type identityResponse struct {
	AccessKey       string `json:"access_key"`
	SecretOrToken   string `json:"secret_or_token"`
	SecurityToken   string `json:"security_token"`
	ExpiryTimestamp int64  `json:"expiry_timestamp"`
}

// NewIdentityClient returns an Issuer that posts to identityURL. token, when
// set, is sent as a bearer token.
func NewIdentityClient(f *fetcher.Fetcher, identityURL, token string) *IdentityClient {
	return &IdentityClient{fetcher: f, url: strings.TrimSpace(identityURL), token: token}
}

// Issue implements Issuer.
func (c *IdentityClient) Issue(ctx context.Context, scheme model.Scheme) (Credential, error) {
	if c.url == "" {
		return Credential{}, fmt.Errorf("%w: auth.identity_url is not configured", ErrInvalidCredential)
	}

	headers := map[string]string{"Accept": "application/json"}
	if c.token != "" {
		headers["Authorization"] = "Bearer " + c.token
	}

	var resp identityResponse
	if err := c.fetcher.PostJSON(ctx, c.url, headers, identityRequest{Scheme: scheme.String()}, &resp); err != nil {
		return Credential{}, err
	}

	switch {
	case resp.AccessKey == "":
		return Credential{}, fmt.Errorf("%w: missing access_key", ErrInvalidCredential)
	case resp.SecretOrToken == "":
		return Credential{}, fmt.Errorf("%w: missing secret_or_token", ErrInvalidCredential)
	case resp.ExpiryTimestamp <= 0:
		return Credential{}, fmt.Errorf("%w: missing expiry_timestamp", ErrInvalidCredential)
	}

	return Credential{
		Scheme:    scheme,
		AccessKey: resp.AccessKey,
		Secret:    resp.SecretOrToken,
		Token:     resp.SecurityToken,
		ExpiresAt: time.Unix(resp.ExpiryTimestamp, 0),
	}, nil
}

var _ Issuer = (*IdentityClient)(nil)
