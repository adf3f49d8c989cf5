package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// errVerification is the only error a failed check reports, whatever the
// cause.
var errVerification = errors.New("webhook verification failed")

// verifySignature checks an HMAC-SHA256 signature of body. The header value
// is either bare hex or "sha256=<hex>".
func verifySignature(body []byte, header, secret string) error {
	if secret == "" || header == "" {
		return errVerification
	}

	got, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return errVerification
	}

	if subtle.ConstantTimeCompare(sign(body, secret), got) != 1 {
		return errVerification
	}
	return nil
}

func sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// Signature returns the "sha256=<hex>" header value for body. Senders and
// tests use it to sign deliveries.
func Signature(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(sign(body, secret))
}
