package billing

import (
	"errors"
	"testing"
	"time"
)

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"type":"invoice.paid"}`)
	now := time.Unix(1700000000, 0)
	header := SignatureFor(payload, "whsec_test", now)

	if err := VerifySignature(payload, header, "whsec_test", 5*time.Minute, now.Add(time.Minute)); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	cases := map[string]struct {
		payload []byte
		header  string
		secret  string
		now     time.Time
	}{
		"wrong secret":   {payload, header, "whsec_other", now},
		"tampered body":  {[]byte(`{"type":"invoice.upcoming"}`), header, "whsec_test", now},
		"too old":        {payload, header, "whsec_test", now.Add(10 * time.Minute)},
		"empty header":   {payload, "", "whsec_test", now},
		"malformed":      {payload, "v1=abc", "whsec_test", now},
		"missing secret": {payload, header, "", now},
	}
	for name, tc := range cases {
		if err := VerifySignature(tc.payload, tc.header, tc.secret, 5*time.Minute, tc.now); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("%s: expected ErrInvalidSignature, got %v", name, err)
		}
	}
}

func TestVerifySignatureAcceptsAnyV1(t *testing.T) {
	payload := []byte(`{}`)
	now := time.Unix(1700000000, 0)
	valid := SignatureFor(payload, "whsec_test", now)
	header := "t=1700000000,v1=deadbeef," + valid[len("t=1700000000,"):]

	if err := VerifySignature(payload, header, "whsec_test", 0, now); err != nil {
		t.Fatalf("expected rotated signature to verify, got %v", err)
	}
}
