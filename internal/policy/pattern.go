package policy

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// origin is a parsed scheme://host[:port] triple. Scheme and host are
// lower-cased.
type origin struct {
	scheme string
	host   string
	port   string
}

// parseOrigin splits a serialized origin. It rejects anything carrying a
// path, query, fragment or userinfo.
func parseOrigin(raw string) (origin, bool) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok || scheme == "" || rest == "" {
		return origin{}, false
	}
	if strings.ContainsAny(rest, "/?#@ ") {
		return origin{}, false
	}
	if !isScheme(scheme) {
		return origin{}, false
	}

	host, port := rest, ""
	if i := strings.LastIndexByte(rest, ':'); i >= 0 && !strings.HasSuffix(rest, "]") {
		host, port = rest[:i], rest[i+1:]
		if port == "" || !isDigits(port) {
			return origin{}, false
		}
	}
	if host == "" {
		return origin{}, false
	}

	return origin{
		scheme: strings.ToLower(scheme),
		host:   strings.ToLower(host),
		port:   port,
	}, true
}

// parseRequestOrigin parses an origin sent by a client. Wildcards are never
// legal there.
func parseRequestOrigin(raw string) (origin, bool) {
	if strings.Contains(raw, "*") {
		return origin{}, false
	}
	return parseOrigin(raw)
}

func isScheme(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case i > 0 && ('0' <= c && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

type hostKind int

const (
	hostExact hostKind = iota
	hostSubdomains
	hostAny
)

// pattern is a compiled origin pattern.
type pattern struct {
	raw    string
	scheme string
	kind   hostKind
	// host holds the exact host, or the ".suffix" for hostSubdomains.
	host string
	port string
}

// isWebScheme reports whether origins of scheme are ordinary websites.
func isWebScheme(scheme string) bool {
	return scheme == "http" || scheme == "https"
}

// compilePattern parses raw. anyHost controls whether a lone "*" host is
// accepted; CORS matchers never accept it, and it never applies to web
// schemes, where it would trust every site.
func compilePattern(list, raw string, anyHost bool) (pattern, error) {
	o, ok := parseOrigin(raw)
	if !ok {
		return pattern{}, &PatternError{List: list, Pattern: raw, Reason: ReasonMalformed}
	}

	p := pattern{raw: raw, scheme: o.scheme, host: o.host, port: o.port}
	switch {
	case o.host == "*":
		if !anyHost || isWebScheme(o.scheme) {
			return pattern{}, &PatternError{List: list, Pattern: raw, Reason: ReasonSchemeWildcard}
		}
		p.kind = hostAny
		p.host = ""
	case strings.HasPrefix(o.host, "*."):
		suffix := o.host[1:]
		if len(suffix) < 2 || strings.Contains(suffix, "*") {
			return pattern{}, &PatternError{List: list, Pattern: raw, Reason: ReasonBadWildcard}
		}
		if isPublicSuffix(suffix[1:]) {
			return pattern{}, &PatternError{List: list, Pattern: raw, Reason: ReasonPublicSuffix}
		}
		p.kind = hostSubdomains
		p.host = suffix
	case strings.Contains(o.host, "*"):
		return pattern{}, &PatternError{List: list, Pattern: raw, Reason: ReasonBadWildcard}
	default:
		p.kind = hostExact
	}
	return p, nil
}

// isPublicSuffix reports whether every subdomain of host belongs to a
// different registrant, as with com, co.uk or github.io.
func isPublicSuffix(host string) bool {
	host = strings.TrimSuffix(host, ".")
	// The icann result is ignored: privately listed suffixes such as
	// github.io are just as shared.
	etld, _ := publicsuffix.PublicSuffix(host)
	return etld == host
}

func (p pattern) matches(o origin) bool {
	if p.scheme != o.scheme {
		return false
	}
	switch p.kind {
	case hostAny:
		return o.host != ""
	case hostSubdomains:
		return p.port == o.port &&
			len(o.host) > len(p.host) &&
			strings.HasSuffix(o.host, p.host)
	default:
		return p.port == o.port && p.host == o.host
	}
}
