// Package netutil provides shared host/address normalization helpers.
package netutil

import (
	"net"
	"strings"
)

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// RemoteIP extracts the bare IP from a net/http RemoteAddr value.
func RemoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(remoteAddr))
	if err != nil {
		return NormalizeHost(remoteAddr)
	}
	return strings.Trim(host, "[]")
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
