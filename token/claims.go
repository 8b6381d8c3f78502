// Package token builds, signs, and validates the provider's tokens.
// The issuer turns authorizations into serialized credentials backed by
// persisted records; the validator is the revocation-aware counterpart
// that resource-facing endpoints consult.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/giantswarm/oidc-provider/identity"
)

// ErrMalformedClaim indicates a principal claim value that cannot be
// coerced to the type its claim name requires.
var ErrMalformedClaim = errors.New("malformed claim value")

// scopeClaims maps each scope to the claim names it unlocks. Claims
// emitted for a subject are always a subset of this table restricted
// to the granted scopes.
var scopeClaims = map[string][]string{
	"profile": {
		"name", "given_name", "family_name", "middle_name", "nickname",
		"preferred_username", "profile", "picture", "website", "gender",
		"birthdate", "zoneinfo", "locale", "updated_at",
	},
	"email":   {"email", "email_verified"},
	"phone":   {"phone_number", "phone_number_verified"},
	"address": {"address"},
}

// ResolveClaims maps (principal, granted scopes) to the claim set
// emitted in ID tokens and userinfo responses. It is a pure function:
// no request context, no store access.
//
// Claim names with no value on the principal are omitted, never sent
// as null placeholders. The exception is the verification companions:
// the email scope always emits email_verified, and the phone scope
// emits phone_number_verified alongside a phone_number, both defaulting
// to false when the principal carries no verification status.
func ResolveClaims(principal *identity.Principal, grantedScopes []string) (map[string]any, error) {
	claims := make(map[string]any)

	for _, scope := range grantedScopes {
		names, ok := scopeClaims[scope]
		if !ok {
			// openid, offline_access and API scopes unlock no claims
			continue
		}

		for _, name := range names {
			value, present := principal.Claim(name)
			if !present {
				continue
			}
			coerced, err := coerceClaim(name, value)
			if err != nil {
				return nil, err
			}
			claims[name] = coerced
		}

		switch scope {
		case "email":
			if _, ok := claims["email_verified"]; !ok {
				claims["email_verified"] = false
			}
		case "phone":
			if _, hasNumber := claims["phone_number"]; hasNumber {
				if _, ok := claims["phone_number_verified"]; !ok {
					claims["phone_number_verified"] = false
				}
			}
		}
	}

	return claims, nil
}

// coerceClaim normalizes claim values whose names carry a type
// contract. updated_at must be an integer Unix timestamp; a value that
// cannot be represented as one is an error, never silently coerced.
func coerceClaim(name string, value any) (any, error) {
	if name != "updated_at" {
		return value, nil
	}

	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("%w: updated_at %v is not an integer", ErrMalformedClaim, v)
		}
		return int64(v), nil
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: updated_at %q: %v", ErrMalformedClaim, v.String(), err)
		}
		return i, nil
	case string:
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: updated_at %q is not an integer timestamp", ErrMalformedClaim, v)
		}
		return i, nil
	case time.Time:
		return v.Unix(), nil
	default:
		return nil, fmt.Errorf("%w: updated_at has unsupported type %T", ErrMalformedClaim, value)
	}
}
