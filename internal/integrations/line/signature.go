package line

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// ValidateSignature checks whether sigHeader matches the HMAC-SHA256 signature
// of body computed with the channel secret.
//
// LINE sends the signature in the x-line-signature header as standard base64.
// The check must run over the exact bytes the platform signed; re-serializing
// a decoded body produces false mismatches. A missing secret or header always
// fails closed. Comparison uses hmac.Equal (constant time) to avoid timing
// side channels.
func ValidateSignature(channelSecret string, body []byte, sigHeader string) bool {
	if channelSecret == "" || sigHeader == "" {
		return false
	}
	provided, err := base64.StdEncoding.DecodeString(sigHeader)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	computed := mac.Sum(nil)

	return hmac.Equal(computed, provided)
}

// Sign computes the base64 HMAC-SHA256 signature for body, as the platform
// would. Used by tests and local tooling to forge valid deliveries.
func Sign(channelSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
