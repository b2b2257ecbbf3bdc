package whatsapp

import "crypto/subtle"

// ModeSubscribe is the only hub.mode the handshake accepts.
const ModeSubscribe = "subscribe"

// Verify answers the webhook subscription handshake. It returns the challenge
// to echo and true only when mode is "subscribe" and token equals the
// configured secret. An empty secret never verifies.
func Verify(mode, token, challenge, secret string) (string, bool) {
	if mode != ModeSubscribe || secret == "" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		return "", false
	}
	return challenge, true
}
