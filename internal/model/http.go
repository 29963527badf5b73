package model

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxClientIPLen caps the stored client address (longest textual IPv6 form).
const MaxClientIPLen = 45

// ClientIP extracts the caller address: first X-Forwarded-For entry,
// then X-Real-IP, then the connection's remote host.
func ClientIP(r *http.Request) string {
	ip := ""
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip = strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if ip == "" {
		ip = strings.TrimSpace(r.Header.Get("X-Real-IP"))
	}
	if ip == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip = host
	}
	// Headers are caller-controlled: drop invalid UTF-8 and never cut
	// inside a character.
	ip = strings.ToValidUTF8(ip, "")
	if len(ip) > MaxClientIPLen {
		cut := MaxClientIPLen
		for cut > 0 && !utf8.RuneStart(ip[cut]) {
			cut--
		}
		ip = ip[:cut]
	}
	return ip
}

// SessionID derives a correlation id from the caller's bearer token.
// The token itself is never stored; when absent a fresh id is generated.
func SessionID(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" || token == auth {
		return uuid.NewString()
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:16])
}

// MetaFromRequest builds RequestMeta for r.
func MetaFromRequest(r *http.Request) RequestMeta {
	return RequestMeta{ClientIP: ClientIP(r), SessionID: SessionID(r)}
}
