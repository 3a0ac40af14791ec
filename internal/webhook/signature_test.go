package webhook

import (
	"errors"
	"strings"
	"testing"
)

func TestVerify_ValidSignature(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	header := SignPayload(secret, 1700000000, body)

	v := NewVerifier(secret)
	if err := v.Verify(body, header); err != nil {
		t.Fatalf("Verify() = %v, want nil", err)
	}
}

func TestVerify_TamperedBody(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	header := SignPayload(secret, 1700000000, body)

	tampered := []byte(`{"id":"evt_2","type":"payment_intent.succeeded"}`)

	v := NewVerifier(secret)
	if err := v.Verify(tampered, header); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("Verify() = %v, want %v", err, ErrSignatureMismatch)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	header := SignPayload("whsec_other", 1700000000, body)

	v := NewVerifier("whsec_test")
	if err := v.Verify(body, header); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("Verify() = %v, want %v", err, ErrSignatureMismatch)
	}
}

func TestVerify_MissingHeader(t *testing.T) {
	v := NewVerifier("whsec_test")
	if err := v.Verify([]byte(`{}`), ""); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("Verify() = %v, want %v", err, ErrMissingSignature)
	}
}

func TestVerify_SecretNotConfigured(t *testing.T) {
	body := []byte(`{}`)
	header := SignPayload("whsec_test", 1700000000, body)

	v := NewVerifier("")
	if err := v.Verify(body, header); !errors.Is(err, ErrSecretNotConfigured) {
		t.Fatalf("Verify() = %v, want %v", err, ErrSecretNotConfigured)
	}
}

func TestVerify_MalformedHeader(t *testing.T) {
	v := NewVerifier("whsec_test")

	cases := []struct {
		name   string
		header string
	}{
		{"garbage", "not-a-signature"},
		{"timestamp only", "t=1700000000"},
		{"signature only", "v1=deadbeef"},
		{"unparsable timestamp", "t=yesterday,v1=deadbeef"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := v.Verify([]byte(`{}`), tc.header); !errors.Is(err, ErrSignatureMismatch) {
				t.Fatalf("Verify() = %v, want %v", err, ErrSignatureMismatch)
			}
		})
	}
}

func TestVerify_SecondSignatureMatches(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"id":"evt_1"}`)
	valid := SignPayload(secret, 1700000000, body)

	// Заголовок с устаревшей подписью перед актуальной, как при ротации секрета.
	sig := strings.TrimPrefix(valid, "t=1700000000,")
	header := "t=1700000000,v1=" + strings.Repeat("ab", 32) + "," + sig

	v := NewVerifier(secret)
	if err := v.Verify(body, header); err != nil {
		t.Fatalf("Verify() = %v, want nil", err)
	}
}

func TestVerify_FlippedSignatureByte(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"id":"evt_1"}`)
	header := SignPayload(secret, 1700000000, body)

	last := header[len(header)-1]
	flip := byte('0')
	if last == '0' {
		flip = '1'
	}
	corrupted := header[:len(header)-1] + string(flip)

	v := NewVerifier(secret)
	if err := v.Verify(body, corrupted); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("Verify() = %v, want %v", err, ErrSignatureMismatch)
	}
}
