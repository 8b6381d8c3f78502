// Package identity defines the boundary to the resource-owner
// authentication layer. The login and consent UI live outside this
// module; the flow engine only sees an authenticated Principal and the
// consent decision delivered through the interfaces below.
package identity

import "context"

// Principal is an authenticated resource owner. Claims holds the raw
// identity attributes the authentication layer knows about the subject
// (name, email, phone_number and so on), keyed by standard OIDC claim
// names. The claims resolver copies values from here; it never invents
// them.
type Principal struct {
	Subject string
	Claims  map[string]any
}

// Claim returns the named claim value and whether it is present.
func (p *Principal) Claim(name string) (any, bool) {
	if p == nil || p.Claims == nil {
		return nil, false
	}
	v, ok := p.Claims[name]
	return v, ok
}

// Source resolves subjects to principals. Implementations typically
// wrap a user directory or the session layer of the hosting
// application.
type Source interface {
	// Lookup returns the principal for a subject identifier.
	// It returns ErrPrincipalNotFound when the subject is unknown.
	Lookup(ctx context.Context, subject string) (*Principal, error)
}

// ConsentDecision is the outcome of asking the resource owner to
// approve a client's scope request.
type ConsentDecision struct {
	Granted       bool
	GrantedScopes []string
}

// ConsentProvider obtains the resource owner's consent for a scope
// request. The hosting application implements this against its UI or
// against a policy engine for headless deployments.
type ConsentProvider interface {
	Consent(ctx context.Context, principal *Principal, clientID string, requestedScopes []string) (*ConsentDecision, error)
}

// StaticSource is a Source backed by a fixed principal set, intended
// for tests and single-tenant deployments configured at startup.
type StaticSource map[string]*Principal

// Lookup implements Source.
func (s StaticSource) Lookup(_ context.Context, subject string) (*Principal, error) {
	p, ok := s[subject]
	if !ok {
		return nil, ErrPrincipalNotFound
	}
	return p, nil
}

// AutoConsent is a ConsentProvider that grants every requested scope.
// Useful for tests and trusted first-party deployments where consent
// is implied.
type AutoConsent struct{}

// Consent implements ConsentProvider.
func (AutoConsent) Consent(_ context.Context, _ *Principal, _ string, requestedScopes []string) (*ConsentDecision, error) {
	return &ConsentDecision{Granted: true, GrantedScopes: requestedScopes}, nil
}
