package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientHost(t *testing.T) {
	testCases := []struct {
		description string
		host        string
		headers     map[string]string
		expect      string
	}{
		{description: "plain host", host: "api.example.com:8080", expect: "api.example.com"},
		{description: "forwarded header", host: "internal:8080",
			headers: map[string]string{"Forwarded": `proto=https; host="app.example.com"`},
			expect:  "app.example.com"},
		{description: "x-forwarded-host", host: "internal:8080",
			headers: map[string]string{"X-Forwarded-Host": "edge.example.com, internal"},
			expect:  "edge.example.com"},
		{description: "ipv6 literal with port", host: "[::1]:8080", expect: "::1"},
		{description: "ipv6 literal without port", host: "[2001:db8::1]", expect: "2001:db8::1"},
	}
	for _, testCase := range testCases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Host = testCase.host
		for key, value := range testCase.headers {
			req.Header.Set(key, value)
		}
		assert.Equal(t, testCase.expect, ClientHost(req), testCase.description)
	}
}

func TestTopDomain(t *testing.T) {
	domain, err := TopDomain("app.example.co.uk")
	require.NoError(t, err)
	assert.Equal(t, "example.co.uk", domain)

	domain, err = TopDomain("127.0.0.1")
	require.NoError(t, err)
	assert.Empty(t, domain)

	domain, err = TopDomain("localhost")
	require.NoError(t, err)
	assert.Empty(t, domain)
}

func TestSameSiteOrigin(t *testing.T) {
	testCases := []struct {
		description string
		host        string
		origin      string
		allow       bool
	}{
		{description: "no origin header passes", host: "api.example.com", origin: "", allow: true},
		{description: "exact host", host: "api.example.com", origin: "https://api.example.com", allow: true},
		{description: "same registrable domain", host: "api.example.com", origin: "https://app.example.com", allow: true},
		{description: "different domain", host: "api.example.com", origin: "https://evil.com", allow: false},
		{description: "localhost pairing", host: "localhost:8080", origin: "http://127.0.0.1:3000", allow: true},
		{description: "ipv6 loopback pairing", host: "localhost:8080", origin: "http://[::1]:3000", allow: true},
		{description: "localhost vs remote", host: "api.example.com", origin: "http://localhost:3000", allow: false},
	}
	for _, testCase := range testCases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Host = testCase.host
		if testCase.origin != "" {
			req.Header.Set("Origin", testCase.origin)
		}
		assert.Equal(t, testCase.allow, SameSiteOrigin(req), testCase.description)
	}
}
