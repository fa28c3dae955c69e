package httputil

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ClientHost returns the browser-visible host, considering proxies.
// It looks at Forwarded, X-Forwarded-Host, then falls back to r.Host.
func ClientHost(r *http.Request) string {
	if r == nil {
		return ""
	}
	// RFC 7239 Forwarded: host=; proto=
	if fwd := r.Header.Get("Forwarded"); fwd != "" {
		// naive parse; take first host= token
		parts := strings.Split(fwd, ";")
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if strings.HasPrefix(strings.ToLower(p), "host=") {
				v := strings.TrimPrefix(p, "host=")
				v = strings.Trim(v, "\"")
				if v != "" {
					return stripPort(v)
				}
			}
		}
	}
	if xfh := r.Header.Get("X-Forwarded-Host"); xfh != "" {
		v := strings.TrimSpace(strings.Split(xfh, ",")[0])
		if v != "" {
			return stripPort(v)
		}
	}
	return stripPort(r.Host)
}

// TopDomain returns eTLD+1 for a host (e.g., app.example.co.uk -> example.co.uk).
func TopDomain(host string) (string, error) {
	if host == "" || isIP(host) || isLocalhost(host) {
		return "", nil
	}
	// Remove potential port suffix
	host = stripPort(host)
	e, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", err
	}
	// Avoid returning public suffix itself
	if e == host || e == "" {
		return "", nil
	}
	return e, nil
}

// SameSiteOrigin reports whether the request's Origin header shares the
// request host's registrable domain. Requests without an Origin header pass:
// non-browser clients do not send one.
func SameSiteOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := stripPort(parsed.Host)
	requestHost := ClientHost(r)
	if strings.EqualFold(originHost, requestHost) {
		return true
	}
	if isLocalhost(originHost) && isLocalhost(requestHost) {
		return true
	}
	originDomain, err := TopDomain(originHost)
	if err != nil || originDomain == "" {
		return false
	}
	requestDomain, err := TopDomain(requestHost)
	if err != nil {
		return false
	}
	return strings.EqualFold(originDomain, requestDomain)
}

func isIP(h string) bool { return net.ParseIP(stripPort(h)) != nil }
func isLocalhost(h string) bool {
	h = strings.ToLower(stripPort(h))
	return h == "localhost" || strings.HasSuffix(h, ".localhost") || h == "127.0.0.1" || h == "::1"
}
func stripPort(h string) string {
	// SplitHostPort handles bracketed IPv6 literals; without a port it
	// errors, so fall back to trimming the brackets only
	if host, _, err := net.SplitHostPort(h); err == nil {
		return host
	}
	return strings.Trim(h, "[]")
}
