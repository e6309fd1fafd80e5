// ABOUTME: Derives independent signing and CSRF keys from the session secret
// ABOUTME: Uses HKDF-SHA256 so one configured secret never signs two kinds of data

package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keyLength = 32

// Keys holds the keys derived from the session secret.
type Keys struct {
	Signing []byte
	CSRF    []byte
}

// DeriveKeys expands secret into a session signing key and a CSRF key.
func DeriveKeys(secret string) (Keys, error) {
	if len(secret) < keyLength {
		return Keys{}, errors.New("session secret must be at least 32 bytes")
	}
	signing, err := expand(secret, "ssi-portal session token")
	if err != nil {
		return Keys{}, err
	}
	csrf, err := expand(secret, "ssi-portal csrf")
	if err != nil {
		return Keys{}, err
	}
	return Keys{Signing: signing, CSRF: csrf}, nil
}

func expand(secret, info string) ([]byte, error) {
	key := make([]byte, keyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", info, err)
	}
	return key, nil
}
