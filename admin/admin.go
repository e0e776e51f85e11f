// Package admin validates the time-windowed proof that a client knows the
// shared admin secret.
//
// A client proves possession by sending
//
//	hex(sha256(roomName + timestampMillis + secret))
//
// together with timestampMillis. The proof is accepted while the timestamp
// lies within Window of the server clock. There is no nonce tracking; the
// window bounds replay.
package admin

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// DefaultWindow is the accepted clock skew between the proof timestamp and now.
const DefaultWindow = 5 * time.Minute

// Digest computes the expected proof for room at ts.
func Digest(room string, ts int64, secret string) string {
	sum := sha256.Sum256([]byte(room + strconv.FormatInt(ts, 10) + secret))
	return hex.EncodeToString(sum[:])
}

// Gate checks admin proofs against one shared secret.
type Gate struct {
	secret string
	window time.Duration
	now    func() time.Time
}

// NewGate returns a gate for secret. An empty secret rejects every proof.
func NewGate(secret string, window time.Duration, now func() time.Time) *Gate {
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{secret: secret, window: window, now: now}
}

// Authenticate reports whether claimed is a valid, fresh proof for room.
// Comparison is case-insensitive.
func (g *Gate) Authenticate(room, claimed string, ts int64) bool {
	if g.secret == "" || claimed == "" {
		return false
	}
	skew := g.now().UTC().UnixMilli() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > g.window.Milliseconds() {
		return false
	}
	expected := Digest(room, ts, g.secret)
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(claimed)), []byte(expected)) == 1
}
