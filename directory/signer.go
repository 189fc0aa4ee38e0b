package directory

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// SignatureHeader carries the HMAC of a service-to-service request.
const SignatureHeader = "X-Signature"

// Signer authenticates requests between the gateway and the directory with a
// shared secret. The MAC covers method, request URI and body.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

func (s *Signer) Sign(method, requestURI string, body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(method))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(requestURI))
	mac.Write([]byte{'\n'})
	mac.Write(body)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (s *Signer) Verify(method, requestURI string, body []byte, signature string) bool {
	expected := s.Sign(method, requestURI, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
