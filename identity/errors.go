package identity

import "errors"

// ErrPrincipalNotFound indicates the subject is unknown to the
// authentication layer.
var ErrPrincipalNotFound = errors.New("principal not found")
