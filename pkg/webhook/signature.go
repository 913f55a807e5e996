package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signature headers set on every delivery.
const (
	SignatureHeader   = "X-Webhook-Signature"
	SignatureV2Header = "X-Webhook-Signature-V2"
	EventHeader       = "X-Webhook-Event"
	DeliveryHeader    = "X-Webhook-Delivery"
)

var (
	// ErrInvalidSignature is returned when a signature header is malformed or does not match.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrSignatureExpired is returned when a timestamped signature is outside the tolerance.
	ErrSignatureExpired = errors.New("webhook signature timestamp outside tolerance")
)

// Sign returns the body signature in the form sha256=<hex hmac>.
func Sign(secret string, body []byte) string {
	return "sha256=" + computeHMAC(secret, body)
}

// SignV2 returns the timestamped signature t=<unix>,v1=<hex hmac of "t.body">.
func SignV2(secret string, body []byte, at time.Time) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, computeHMAC(secret, signedPayload(ts, body)))
}

// Verify checks a signature header produced by Sign or SignV2. Timestamped
// signatures older or newer than tolerance are rejected; a zero tolerance
// disables the age check.
func Verify(secret string, body []byte, header string, tolerance time.Duration) error {
	return verifyAt(secret, body, header, tolerance, time.Now())
}

func verifyAt(secret string, body []byte, header string, tolerance time.Duration, now time.Time) error {
	header = strings.TrimSpace(header)

	if sig, ok := strings.CutPrefix(header, "sha256="); ok {
		if !equalHex(sig, computeHMAC(secret, body)) {
			return ErrInvalidSignature
		}
		return nil
	}

	ts, sigs, err := parseV2(header)
	if err != nil {
		return err
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(ts, 0))
		if age < 0 {
			age = -age
		}
		if age > tolerance {
			return ErrSignatureExpired
		}
	}

	expected := computeHMAC(secret, signedPayload(ts, body))
	for _, sig := range sigs {
		if equalHex(sig, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// parseV2 parses t=<unix>,v1=<sig>[,v1=<sig>...].
func parseV2(header string) (int64, []string, error) {
	var (
		ts    int64
		found bool
		sigs  []string
	)

	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return 0, nil, fmt.Errorf("%w: malformed element %q", ErrInvalidSignature, part)
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			ts = parsed
			found = true
		case "v1":
			sigs = append(sigs, value)
		}
	}

	if !found || len(sigs) == 0 {
		return 0, nil, fmt.Errorf("%w: missing timestamp or signature", ErrInvalidSignature)
	}
	return ts, sigs, nil
}

func signedPayload(ts int64, body []byte) []byte {
	prefix := strconv.FormatInt(ts, 10) + "."
	out := make([]byte, 0, len(prefix)+len(body))
	out = append(out, prefix...)
	return append(out, body...)
}

func computeHMAC(secret string, data []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func equalHex(got, want string) bool {
	return hmac.Equal([]byte(strings.ToLower(got)), []byte(want))
}
