package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const maskPrefix = "**** **** **** "

// MaskCardNumber returns the display-safe form of a card number: the
// fixed mask followed by the last four characters. Numbers that already
// look masked pass through unchanged, so masking is idempotent.
func MaskCardNumber(number string) string {
	if number == "" || strings.HasPrefix(number, strings.TrimRight(maskPrefix, " ")) {
		return number
	}
	if len(number) < 4 {
		return maskPrefix + number
	}
	return maskPrefix + number[len(number)-4:]
}

// HashCardNumber returns the hex sha256 of the plaintext number, kept
// for deduplication lookups without ever reconstructing the plaintext.
func HashCardNumber(number string) string {
	sum := sha256.Sum256([]byte(number))
	return hex.EncodeToString(sum[:])
}

// ValidCardNumber reports whether the number is exactly 16 digits.
func ValidCardNumber(number string) bool {
	if len(number) != 16 {
		return false
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
