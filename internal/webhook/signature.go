// Package webhook содержит проверку подписи и диспетчеризацию событий платёжного провайдера.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// SignatureHeader — имя HTTP-заголовка с подписью вебхука.
const SignatureHeader = "Stripe-Signature"

// ErrSecretNotConfigured возвращается, если секрет подписи не задан в конфигурации.
var (
	ErrSecretNotConfigured = errors.New("webhook signing secret must be configured")
	// ErrMissingSignature возвращается при отсутствии заголовка подписи.
	ErrMissingSignature = fmt.Errorf("missing %s header", SignatureHeader)
	// ErrSignatureMismatch возвращается при несовпадении подписи или испорченной метке времени.
	ErrSignatureMismatch = errors.New("signature verification failed")
)

// Verifier проверяет подлинность входящих вебхуков по HMAC-SHA256 подписи
// вида "t=<unix>,v1=<hex>" над строкой "{timestamp}.{body}".
type Verifier struct {
	secret []byte
}

// NewVerifier создаёт Verifier с указанным общим секретом.
// Пустой секрет допустим при создании, но любая проверка с ним завершится
// ошибкой конфигурации: молчаливый пропуск недопустим.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify проверяет подпись сырого тела запроса.
// Возвращает nil, только если хотя бы одна v1-подпись совпала с вычисленной.
func (v *Verifier) Verify(body []byte, header string) error {
	if len(v.secret) == 0 {
		return ErrSecretNotConfigured
	}
	if header == "" {
		return ErrMissingSignature
	}

	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return ErrSignatureMismatch
	}

	expected := computeSignature(v.secret, timestamp, body)
	for _, sig := range signatures {
		provided, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(provided, expected) {
			return nil
		}
	}

	return ErrSignatureMismatch
}

// parseSignatureHeader разбирает заголовок "t=<unix>,v1=<hex>[,v1=<hex>...]".
// Несколько v1-подписей допустимы на время ротации секрета у провайдера.
func parseSignatureHeader(header string) (int64, []string, error) {
	var (
		timestamp    int64
		hasTimestamp bool
		signatures   []string
	)

	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}

		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("parse timestamp: %w", err)
			}
			timestamp = ts
			hasTimestamp = true
		case "v1":
			signatures = append(signatures, value)
		}
	}

	if !hasTimestamp || len(signatures) == 0 {
		return 0, nil, errors.New("incomplete signature header")
	}

	return timestamp, signatures, nil
}

func computeSignature(secret []byte, timestamp int64, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignPayload вычисляет заголовок подписи для указанных метки времени и тела.
// Используется в тестах и при эмуляции провайдера.
func SignPayload(secret string, timestamp int64, body []byte) string {
	sig := computeSignature([]byte(secret), timestamp, body)
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(sig))
}
