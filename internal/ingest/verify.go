package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrUnverifiedSignature means the webhook signature was missing, malformed,
// or did not match. The caller responds 401 and never touches the ledger.
var ErrUnverifiedSignature = errors.New("webhook signature verification failed")

// VerifySignature checks the hex HMAC-SHA256 signature over the raw request
// body. An empty secret means webhook verification was never configured, so
// every delivery is rejected rather than silently trusted.
func VerifySignature(secret, body []byte, signatureHex string) error {
	if len(secret) == 0 || signatureHex == "" {
		return ErrUnverifiedSignature
	}

	provided, err := hex.DecodeString(signatureHex)
	if err != nil {
		return ErrUnverifiedSignature
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrUnverifiedSignature
	}
	return nil
}
