package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SignatureVersion prefixes both the signed message and the header value.
const SignatureVersion = "v0"

var (
	ErrMissingSignature  = errors.New("auth: signature or timestamp header missing")
	ErrSignatureMismatch = errors.New("auth: signature mismatch")
	ErrStaleTimestamp    = errors.New("auth: request timestamp outside allowed window")
)

func hmacHex(secret string, message []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// EncryptToken answers the platform's endpoint validation challenge: the hex
// HMAC-SHA256 of the plain token keyed by the webhook secret.
func EncryptToken(secret, plainToken string) string {
	return hmacHex(secret, []byte(plainToken))
}

// Sign returns the signature header value for a request body sent at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	msg := make([]byte, 0, len(SignatureVersion)+len(timestamp)+len(body)+2)
	msg = append(msg, SignatureVersion+":"+timestamp+":"...)
	msg = append(msg, body...)
	return SignatureVersion + "=" + hmacHex(secret, msg)
}

// Verifier checks inbound webhook signatures.
type Verifier struct {
	Secret string
	// MaxSkew rejects timestamps further than this from now. Zero disables the check.
	MaxSkew time.Duration
	Now     func() time.Time
}

// Enabled reports whether a secret is configured.
func (v Verifier) Enabled() bool {
	return v.Secret != ""
}

// Verify recomputes the signature over "v0:<timestamp>:<body>" and compares it
// in constant time.
func (v Verifier) Verify(signature, timestamp string, body []byte) error {
	if signature == "" || timestamp == "" {
		return ErrMissingSignature
	}
	if v.MaxSkew > 0 {
		if err := v.checkSkew(timestamp); err != nil {
			return err
		}
	}
	expected := Sign(v.Secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature))) {
		return ErrSignatureMismatch
	}
	return nil
}

func (v Verifier) checkSkew(timestamp string) error {
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}
	// Some senders use milliseconds
	if secs > 1e12 {
		secs /= 1000
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	delta := now().Sub(time.Unix(secs, 0))
	if delta < 0 {
		delta = -delta
	}
	if delta > v.MaxSkew {
		return ErrStaleTimestamp
	}
	return nil
}
