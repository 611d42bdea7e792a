// Package auth issues, caches, and applies the credentials that make segment
// URLs fetchable.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/knpwrs/recfetch/internal/model"
)

// Credential is an immutable access grant. Renewal replaces the cached value
// instead of mutating it, so a Credential handed to a worker never changes
// under it.
type Credential struct {
	Scheme    model.Scheme
	AccessKey string
	Secret    string
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Usable reports whether the credential can still be used at now, leaving
// margin before expiry. Pass-through credentials (zero ExpiresAt) never expire.
func (c Credential) Usable(now time.Time, margin time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(margin).Before(c.ExpiresAt)
}

// Query parameter names appended to signed URLs.
const (
	ParamAccessKey     = "access_key"
	ParamExpires       = "expires"
	ParamSignature     = "signature"
	ParamSecurityToken = "security_token"
)

// signURL signs uri locally with cred. The signed URL expires at the earlier
// of now+ttl and the credential's own expiry.
func signURL(uri string, cred Credential, now time.Time, ttl time.Duration) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", uri, err)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("cannot sign relative url %q", uri)
	}

	expiresAt := now.Add(ttl)
	if !cred.ExpiresAt.IsZero() && cred.ExpiresAt.Before(expiresAt) {
		expiresAt = cred.ExpiresAt
	}
	expires := strconv.FormatInt(expiresAt.Unix(), 10)

	q := u.Query()
	q.Set(ParamAccessKey, cred.AccessKey)
	q.Set(ParamExpires, expires)
	q.Set(ParamSignature, Signature(cred.Secret, u.EscapedPath(), expires, cred.AccessKey))
	if cred.Token != "" {
		q.Set(ParamSecurityToken, cred.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Signature computes base64url(HMAC-SHA256(secret, "GET\n<path>\n<expires>\n<access_key>")).
func Signature(secret, path, expires, accessKey string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("GET\n" + path + "\n" + expires + "\n" + accessKey))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
