// Package token implements the rotating upload-authorization scheme.
//
// A token is "<digest>:<issued_at_unix_seconds>", where digest is a
// 40-hex-character function of the shared secret and the timestamp.
// The default "legacy" digest is the rolling bit-mix the installed
// devices validate against; it is not a cryptographic MAC and is kept
// as-is for wire compatibility. The "hmac-sha1" mode matches the
// desktop token generator for deployments that have migrated.
package token

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

// DefaultTTL is the validity window after issuance.
const DefaultTTL = 90 * time.Second

// Digest modes.
const (
	ModeLegacy   = "legacy"
	ModeHMACSHA1 = "hmac-sha1"
)

// Authenticator issues and verifies upload tokens against a shared
// secret. An empty secret disables verification entirely; callers of
// that mode are unauthenticated and must say so.
type Authenticator struct {
	secret string
	ttl    time.Duration
	mode   string
}

// New builds an authenticator. Unknown modes fall back to legacy,
// and a non-positive ttl falls back to DefaultTTL.
func New(secret string, ttl time.Duration, mode string) *Authenticator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if mode != ModeHMACSHA1 {
		mode = ModeLegacy
	}
	return &Authenticator{secret: secret, ttl: ttl, mode: mode}
}

// Enabled reports whether a secret is configured.
func (a *Authenticator) Enabled() bool { return a.secret != "" }

// TTL returns the configured validity window.
func (a *Authenticator) TTL() time.Duration { return a.ttl }

// Issue creates a token for the given unix-seconds timestamp.
func (a *Authenticator) Issue(now int64) string {
	return Digest(a.mode, a.secret, strconv.FormatInt(now, 10)) + ":" + strconv.FormatInt(now, 10)
}

// Verify checks a token against the shared secret and the time
// window. It fails closed: a missing or malformed token, a timestamp
// in the future, or an expired timestamp all reject. When no secret
// is configured verification is bypassed and every token passes.
func (a *Authenticator) Verify(tok string, now int64) bool {
	if !a.Enabled() {
		return true
	}
	if tok == "" {
		return false
	}

	parts := strings.Split(tok, ":")
	if len(parts) != 2 {
		return false
	}
	digest, tsPart := parts[0], parts[1]
	if len(digest) != 40 {
		return false
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return false
	}

	issuedAt, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil || issuedAt <= 0 {
		return false
	}
	if issuedAt > now {
		return false // clock skew into the future
	}
	if now-issuedAt > int64(a.ttl/time.Second) {
		return false // expired
	}

	want := Digest(a.mode, a.secret, tsPart)
	return subtle.ConstantTimeCompare([]byte(digest), []byte(want)) == 1
}

// Digest computes the token digest for the given mode.
func Digest(mode, secret, message string) string {
	if mode == ModeHMACSHA1 {
		mac := hmac.New(sha1.New, []byte(secret))
		mac.Write([]byte(message))
		return hex.EncodeToString(mac.Sum(nil))
	}
	return legacyDigest(secret, message)
}

// legacyDigest is the device's historical rolling bit-mix: five
// 32-bit lanes stirred by each byte of the secret, a separator, then
// the message. 160 bits out, hex encoded, so the wire shape matches
// the 40-character digests existing clients check for.
func legacyDigest(secret, message string) string {
	lanes := [5]uint32{
		0x6a09e667, 0xbb67ae85, 0x3c6ef372, 0xa54ff53a, 0x510e527f,
	}

	stir := func(b byte) {
		for i := range lanes {
			lanes[i] ^= uint32(b) << uint(8*(i%4))
			lanes[i] = bits.RotateLeft32(lanes[i], 7+i)
			lanes[i] += lanes[(i+1)%len(lanes)] ^ 0x9e3779b9
		}
	}

	for i := 0; i < len(secret); i++ {
		stir(secret[i])
	}
	stir(0x3a) // ':' separator keeps ("ab","c") and ("a","bc") apart
	for i := 0; i < len(message); i++ {
		stir(message[i])
	}
	stir(byte(len(secret)))
	stir(byte(len(message)))

	var sb strings.Builder
	for _, lane := range lanes {
		fmt.Fprintf(&sb, "%08x", lane)
	}
	return sb.String()
}
