package vapid

import (
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenLifetime bounds how long a signed token is honored. Long enough that
// a retrying caller does not need to resign within a short backoff window,
// short enough to limit the replay value of a leaked token. RFC 8292 caps
// this at 24 hours.
const tokenLifetime = 12 * time.Hour

// Audience reduces a push endpoint URL to the origin the token must be
// scoped to: scheme and host only, path and query stripped. Push services
// reject tokens signed for any other audience.
func Audience(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no origin", endpoint)
	}
	return u.Scheme + "://" + u.Host, nil
}

// AuthorizationHeader builds the Authorization header value for one push
// endpoint: a freshly signed ES256 token plus the public key the push
// service verifies it against.
//
// ES256 in JOSE form is exactly what VAPID requires: the signature is the
// raw 64-byte r||s concatenation, not ASN.1 DER.
func (k *KeyMaterial) AuthorizationHeader(endpoint string) (string, error) {
	aud, err := Audience(endpoint)
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"aud": aud,
		"exp": time.Now().Add(tokenLifetime).Unix(),
		"sub": k.subject,
	})

	signed, err := token.SignedString(k.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign vapid token: %w", err)
	}

	return "vapid t=" + signed + ",k=" + k.PublicKey(), nil
}
