/* SPDX-License-Identifier: MPL-2.0
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package meshtalksdk

import (
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// tokenSignatureAlgorithms lists the signature algorithms the MeshTalk
// auth service is known to issue. Parsing rejects anything else.
var tokenSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.ES256, jose.HS256,
}

// TokenExpiry returns the expiry time embedded in a MeshTalk access token.
// The claims are read without signature verification — the SDK is not the
// token's audience, it only needs the expiry to decide whether to ask the
// token provider for a fresh token before reconnecting.
func TokenExpiry(raw string) (time.Time, error) {
	tok, err := jwt.ParseSigned(raw, tokenSignatureAlgorithms)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse access token: %w", err)
	}

	var claims jwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to read token claims: %w", err)
	}

	if claims.Expiry == nil {
		return time.Time{}, fmt.Errorf("access token has no expiry claim")
	}

	return claims.Expiry.Time(), nil
}

// TokenExpired reports whether the token expires within the given margin.
// Opaque (non-JWT) tokens report false: expiry is unknowable, and the
// signaling server rejects the handshake if the token is actually stale.
func TokenExpired(raw string, margin time.Duration) bool {
	expiry, err := TokenExpiry(raw)
	if err != nil {
		return false
	}
	return time.Until(expiry) < margin
}
