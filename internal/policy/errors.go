package policy

import (
	"errors"
	"fmt"
)

// ErrAllowAllInProduction is returned by New when the allow-all override is
// requested for a production environment.
var ErrAllowAllInProduction = errors.New("policy: allow_all_origins is not permitted in production")

// Pattern lists a PatternError can refer to.
const (
	ListCORS = "cors"
	ListCSRF = "csrf"
)

// Reasons a pattern can be rejected for.
const (
	ReasonMalformed      = "malformed"
	ReasonSchemeWildcard = "scheme_wildcard"
	ReasonBadWildcard    = "bad_wildcard"
	ReasonPublicSuffix   = "public_suffix"
)

// PatternError reports an origin pattern that cannot be matched.
type PatternError struct {
	List    string // cors | csrf
	Pattern string
	Reason  string // malformed | scheme_wildcard | bad_wildcard | public_suffix
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("policy: %s origin pattern %q is unusable (%s)", e.List, e.Pattern, e.Reason)
}

// TokenError reports an invalid header or method name.
type TokenError struct {
	Kind  string // header | method
	Value string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("policy: invalid %s name %q", e.Kind, e.Value)
}
