package sip

import (
	"fmt"

	"github.com/icholy/digest"
)

// AnswerChallenge computes the credentials answering a digest challenge
// (the value of a WWW-Authenticate or Proxy-Authenticate header). The result
// is the value for the matching Authorization / Proxy-Authorization header.
func AnswerChallenge(challenge, method, uri, username, password string) (string, error) {
	chal, err := digest.ParseChallenge(challenge)
	if err != nil {
		return "", fmt.Errorf("could not parse digest challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      uri,
		Username: username,
		Password: password,
		Cnonce:   GenerateNonce(8),
		Count:    1,
	})
	if err != nil {
		return "", fmt.Errorf("could not compute digest credentials: %w", err)
	}
	return cred.String(), nil
}
