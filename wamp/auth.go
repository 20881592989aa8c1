package wamp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/pbkdf2"
)

// CRAResponder builds an OnChallengeFunc implementing WAMP-CRA: the
// signature is HMAC-SHA256 of the challenge string in extra["challenge"],
// keyed by secret — or, when extra carries a "salt", by a PBKDF2-derived
// key from secret using that salt and iteration count, so a plaintext
// secret is never used directly over the wire.
func CRAResponder(secret string) OnChallengeFunc {
	return func(authMethod string, extra Details) (string, error) {
		if authMethod != "wampcra" {
			return "", fmt.Errorf("wamp: CRAResponder cannot answer authmethod %q", authMethod)
		}

		challenge, _ := extra["challenge"].(string)
		if challenge == "" {
			return "", fmt.Errorf("wamp: CHALLENGE extra missing \"challenge\" string")
		}

		key := []byte(secret)
		if salt, ok := extra["salt"].(string); ok && salt != "" {
			iterations := 1000
			if n, ok := extra["iterations"].(float64); ok && n > 0 {
				iterations = int(n)
			}
			keyLen := 32
			if n, ok := extra["keylen"].(float64); ok && n > 0 {
				keyLen = int(n)
			}
			key = pbkdf2.Key([]byte(secret), []byte(salt), iterations, keyLen, sha256.New)
		}

		mac := hmac.New(sha256.New, key)
		mac.Write([]byte(challenge))
		return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
	}
}

// TicketExpiry parses a JWT-shaped ticket (without verifying its
// signature — the router owns that) and returns its "exp" claim, so a
// client can avoid sending AUTHENTICATE with a ticket it already knows
// has expired.
func TicketExpiry(ticket string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	_, _, err := parser.ParseUnverified(ticket, claims)
	if err != nil {
		return time.Time{}, fmt.Errorf("wamp: parsing ticket for expiry: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("wamp: ticket has no usable exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("wamp: ticket has no exp claim")
	}
	return exp.Time, nil
}

// TicketResponder builds an OnChallengeFunc for the "ticket" authmethod:
// the signature position carries the ticket itself, per WAMP's ticket-auth
// convention.
func TicketResponder(ticket string) OnChallengeFunc {
	return func(authMethod string, extra Details) (string, error) {
		if authMethod != "ticket" {
			return "", fmt.Errorf("wamp: TicketResponder cannot answer authmethod %q", authMethod)
		}
		return ticket, nil
	}
}
