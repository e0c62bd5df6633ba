package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// SignatureHeader — заголовок с HMAC-SHA256 тела запроса (hex).
const SignatureHeader = "X-Paycoord-Signature"

// Authenticator проверяет подлинность уведомления: общий секрет в query-параметре
// (так его передаёт зарегистрированный IPN URL) или HMAC-подпись тела.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator создаёт проверку для секрета; пустой секрет отвергает всё.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Verify возвращает true, если token совпал с секретом или signature подписывает body.
func (a *Authenticator) Verify(token, signature string, body []byte) bool {
	if len(a.secret) == 0 {
		return false
	}
	if token != "" && subtle.ConstantTimeCompare([]byte(token), a.secret) == 1 {
		return true
	}
	if signature == "" {
		return false
	}

	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil {
		return false
	}
	return hmac.Equal(got, a.Sign(body))
}

// Sign возвращает HMAC-SHA256 тела.
func (a *Authenticator) Sign(body []byte) []byte {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(body)
	return mac.Sum(nil)
}
