package middleware

import (
	"net"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const clientIPKey = "clientIP"

// Header order prefers edge-injected headers over ones a client can set
// directly. Every one of these is spoofable without a trusted-proxy
// allowlist; deploy only behind a reverse proxy that strips or overwrites
// them.
var proxyIPHeaders = []string{
	"CF-Connecting-IP",
	"X-Forwarded-For",
	"X-Forwarded",
	"X-Cluster-Client-IP",
	"Forwarded-For",
	"Forwarded",
	"Client-IP",
}

// ResolveClientIP walks the proxy header chain looking for a well-formed
// public address, falls back to the direct connection address, and defaults
// to loopback when nothing validates.
func ResolveClientIP(c *fiber.Ctx) string {
	for _, header := range proxyIPHeaders {
		value := c.Get(header)
		if value == "" {
			continue
		}
		candidate := extractCandidate(header, value)
		if isPublicIP(candidate) {
			return candidate
		}
	}

	if direct := strings.TrimSpace(c.IP()); net.ParseIP(direct) != nil {
		return direct
	}
	return "127.0.0.1"
}

// ClientIP returns the resolved address for this request, resolving and
// caching it on first use.
func ClientIP(c *fiber.Ctx) string {
	if cached, ok := c.Locals(clientIPKey).(string); ok && cached != "" {
		return cached
	}
	ip := ResolveClientIP(c)
	c.Locals(clientIPKey, ip)
	return ip
}

func extractCandidate(header, value string) string {
	value = strings.TrimSpace(value)

	switch header {
	case "X-Forwarded-For", "Forwarded-For":
		// First hop is the originating client.
		if idx := strings.Index(value, ","); idx >= 0 {
			value = value[:idx]
		}
	case "Forwarded":
		// RFC 7239: Forwarded: for=192.0.2.60;proto=http;by=203.0.113.43
		value = parseForwardedFor(value)
	}

	value = strings.TrimSpace(value)
	value = strings.Trim(value, `"`)
	value = strings.TrimPrefix(value, "[")
	if idx := strings.Index(value, "]"); idx >= 0 {
		value = value[:idx]
	} else if strings.Count(value, ":") == 1 {
		// IPv4 with a port.
		value = value[:strings.Index(value, ":")]
	}
	return strings.TrimSpace(value)
}

func parseForwardedFor(value string) string {
	if idx := strings.Index(value, ","); idx >= 0 {
		value = value[:idx]
	}
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(strings.ToLower(part), "for=") {
			return part[len("for="):]
		}
	}
	return ""
}

func isPublicIP(value string) bool {
	ip := net.ParseIP(value)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return false
	}
	return true
}
