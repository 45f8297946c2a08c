package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Verifier checks timestamped HMAC-SHA256 signature headers of the form
// "t=<unix seconds>,v1=<hex digest>", where the digest covers "<t>.<body>".
type Verifier struct {
	Secret    []byte
	Tolerance time.Duration
	Now       func() time.Time
}

// NewVerifier creates a verifier with the given secret and replay tolerance.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{Secret: []byte(secret), Tolerance: tolerance, Now: time.Now}
}

// Verify returns the signed timestamp when header is a valid signature of body.
func (v *Verifier) Verify(header string, body []byte) (time.Time, error) {
	const op = "verify_webhook"
	if header == "" {
		return time.Time{}, NewError(KindAuthFailed, op, ErrMissingSig)
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = val
		case "v1":
			sigs = append(sigs, val)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return time.Time{}, NewError(KindAuthFailed, op, fmt.Errorf("unparseable signature header"))
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, NewError(KindAuthFailed, op, fmt.Errorf("invalid signature timestamp"))
	}
	expected := v.digest(ts, body)
	matched := false
	for _, s := range sigs {
		got, err := hex.DecodeString(s)
		if err != nil {
			continue
		}
		// hmac.Equal is constant time.
		if hmac.Equal(got, expected) {
			matched = true
			break
		}
	}
	if !matched {
		return time.Time{}, NewError(KindAuthFailed, op, ErrBadSignature)
	}
	signedAt := time.Unix(unix, 0)
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	skew := now().Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if v.Tolerance > 0 && skew > v.Tolerance {
		return time.Time{}, NewError(KindReplay, op, ErrStaleTimestamp)
	}
	return signedAt, nil
}

// Sign produces a header value for body signed at t.
func (v *Verifier) Sign(body []byte, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(v.digest(ts, body))
}

func (v *Verifier) digest(ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, v.Secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
