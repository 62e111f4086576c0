package util

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client IP from the request. Forwarding headers
// are only consulted when trustProxyHeaders is set; otherwise anyone could
// pick their own rate-limit bucket.
func GetClientIP(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		if ip := forwardedClientIP(r); ip != "" {
			return ip
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// If we can't split, use the whole RemoteAddr
		return r.RemoteAddr
	}

	return ip
}

func forwardedClientIP(r *http.Request) string {
	// X-Real-IP is most commonly set by Nginx proxy_set_header X-Real-IP $remote_addr
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" && xrip != "unknown" {
		return strings.TrimSpace(xrip)
	}

	// Format: client, proxy1, proxy2, ...
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		clientIP := strings.TrimSpace(strings.Split(xff, ",")[0])
		if clientIP != "" && clientIP != "unknown" {
			return clientIP
		}
	}

	// Cloudflare
	if cfIP := r.Header.Get("CF-Connecting-IP"); cfIP != "" {
		return strings.TrimSpace(cfIP)
	}

	// Akamai and others
	if tcIP := r.Header.Get("True-Client-IP"); tcIP != "" {
		return strings.TrimSpace(tcIP)
	}

	// RFC 7239
	if forwarded := r.Header.Get("Forwarded"); forwarded != "" {
		for _, part := range strings.Split(forwarded, ";") {
			part = strings.TrimSpace(part)
			if !strings.HasPrefix(part, "for=") {
				continue
			}
			value := strings.Trim(strings.TrimPrefix(part, "for="), "\"")
			// [2001:db8:cafe::17]:4711
			if strings.HasPrefix(value, "[") {
				if i := strings.Index(value, "]"); i > 0 {
					return value[1:i]
				}
			}
			if i := strings.LastIndex(value, ":"); i > 0 {
				return value[:i]
			}
			return value
		}
	}

	return ""
}
