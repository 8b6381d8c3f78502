// Package server implements the core authorization server logic.
//
// This package drives the token lifecycle grant machines: the
// authorization-code, implicit, hybrid and refresh flows. It validates
// requests against the configured client registry, obtains consent
// through the identity collaborators, and delegates token construction
// to the token package while remaining transport-agnostic.
//
// The Server type delegates to specialized modules:
//   - Token issuance and validation (token package)
//   - Authorization and token storage (storage package)
//   - Security auditing and rate limiting (security package)
//
// Key Features:
//   - Single-use authorization codes with replay detection
//   - Refresh token rotation with theft-response cascade revocation
//   - Exact-match redirect URI and scope subset validation
//   - Comprehensive security auditing
//
// Example usage:
//
//	store := memory.New()
//	km, _ := keys.New()
//	issuer, _ := token.NewIssuer(issuerConfig, km, store, logger)
//	validator := token.NewValidator(issuerURL, 0, km, store, store)
//
//	config := &server.Config{
//	    Issuer: issuerURL,
//	}
//
//	srv, err := server.New(store, store, store, issuer, validator, config, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
