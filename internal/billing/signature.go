package billing

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

// SignatureHeader is the header carrying the provider's webhook signature.
const SignatureHeader = "Stripe-Signature"

// ErrInvalidSignature is returned when a webhook body does not match its signature.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// VerifySignature checks a "t=<unix>,v1=<hex>" header against HMAC-SHA256 of "<t>.<payload>".
// A positive tolerance also rejects signatures older than tolerance relative to now.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	header = strings.TrimSpace(header)
	if header == "" || secret == "" {
		return ErrInvalidSignature
	}
	ts, signatures, err := parseSignature(header)
	if err != nil {
		return ErrInvalidSignature
	}
	if tolerance > 0 {
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return ErrInvalidSignature
		}
		if age := now.Sub(time.Unix(unix, 0)); age > tolerance || age < -tolerance {
			return ErrInvalidSignature
		}
	}

	expected := computeSignature(ts, payload, secret)
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// SignatureFor builds a header value for payload, as the provider would send it.
func SignatureFor(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", ts, computeSignature(ts, payload, secret))
}

func computeSignature(ts string, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(ts + "." + string(payload)))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignature(header string) (string, []string, error) {
	var ts string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.TrimSpace(kv[0]) {
		case "t":
			ts = strings.TrimSpace(kv[1])
		case "v1":
			signatures = append(signatures, strings.TrimSpace(kv[1]))
		}
	}
	if ts == "" || len(signatures) == 0 {
		return "", nil, errors.New("malformed signature header")
	}
	return ts, signatures, nil
}
