package relay

import (
	"crypto/rand"
	"fmt"
	"net"
	"net/http"
	"regexp"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

var codePattern = regexp.MustCompile(`^[A-Z2-7]{8}$`)

// generateCode returns a fresh 8-character session code drawn from the
// base32 alphabet A-Z,2-7 using a CSPRNG (~40 bits of entropy).
func generateCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session code: %w", err)
	}
	out := make([]byte, 8)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}

// isValidCode reports whether code matches the session code grammar.
func isValidCode(code string) bool {
	return codePattern.MatchString(code)
}

// ipFromRequest returns a normalized remote IP for rate-limit scoping.
func ipFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
