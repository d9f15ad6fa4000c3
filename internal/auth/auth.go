// Package auth implements API key generation, parsing, and digesting.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
)

const (
	keyPrefix   = "vxg"
	secretBytes = 32
)

var ErrInvalidKeyFormat = errors.New("invalid API key format")

// GenerateKey creates a new API key. It returns the display form shown
// to the operator exactly once and the hex digest stored in its place.
// The secret carries 256 bits of entropy.
func GenerateKey() (displayKey string, digest string, err error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	displayKey = keyPrefix + "_" + encodeBase62(raw)
	return displayKey, Digest(displayKey), nil
}

// Digest returns the lowercase hex SHA-256 of the presented key. It is
// the storage identity of a credential; the key itself is never stored.
func Digest(presented string) string {
	h := sha256.Sum256([]byte(presented))
	return hex.EncodeToString(h[:])
}

// ParseKey checks that a presented key has the expected shape before
// any lookup is attempted.
func ParseKey(displayKey string) error {
	// Format: vxg_<secret>
	rest, ok := strings.CutPrefix(displayKey, keyPrefix+"_")
	if !ok || rest == "" {
		return ErrInvalidKeyFormat
	}
	for _, c := range rest {
		if !isBase62(c) {
			return ErrInvalidKeyFormat
		}
	}
	return nil
}

// base62Alphabet includes A-Za-z0-9 (no special characters)
const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func encodeBase62(data []byte) string {
	num := new(big.Int).SetBytes(data)
	base := big.NewInt(62)
	zero := big.NewInt(0)
	var result []byte

	for num.Cmp(zero) > 0 {
		mod := new(big.Int)
		num.DivMod(num, base, mod)
		result = append([]byte{base62Alphabet[mod.Int64()]}, result...)
	}

	// Preserve leading zeros
	for _, b := range data {
		if b != 0 {
			break
		}
		result = append([]byte{'0'}, result...)
	}

	if len(result) == 0 {
		return "0"
	}
	return string(result)
}

func isBase62(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
