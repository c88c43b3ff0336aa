// Package webhook receives forge events, validates their signatures, and
// turns activation-labeled issues into agent tasks with planning jobs.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// signaturePrefix is the scheme tag the forge puts in front of the hex digest.
const signaturePrefix = "sha256="

// ValidSignature checks the X-Hub-Signature-256 header against the request
// body. An empty secret disables validation entirely. The comparison is
// constant time.
func ValidSignature(secret string, body []byte, header string) bool {
	if secret == "" {
		return true
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	got := strings.TrimPrefix(header, signaturePrefix)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(got)))
}

// Sign computes the signature header value for a body, used by tests and the
// local delivery tool.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
