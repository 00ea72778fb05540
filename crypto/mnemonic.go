package crypto

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/text/unicode/norm"
)

// SupportedWordCounts lists the mnemonic lengths accepted for recovery.
var SupportedWordCounts = []int{12, 15, 18, 21, 24}

var (
	ErrInvalidWordCount = errors.New("crypto: unsupported mnemonic word count")
	ErrInvalidMnemonic  = errors.New("crypto: invalid mnemonic")
)

// NormalizeMnemonic applies NFKD and collapses whitespace between words.
func NormalizeMnemonic(phrase string) []string {
	return strings.Fields(norm.NFKD.String(phrase))
}

// CheckWordCount rejects phrases whose length is not a supported count.
func CheckWordCount(words []string) error {
	if !slices.Contains(SupportedWordCounts, len(words)) {
		return fmt.Errorf("%w: %d", ErrInvalidWordCount, len(words))
	}
	return nil
}

// SeedFromMnemonic validates the phrase and stretches it with the optional
// password into a 64 byte seed.
func SeedFromMnemonic(phrase string, password []byte) ([]byte, error) {
	words := NormalizeMnemonic(phrase)
	if err := CheckWordCount(words); err != nil {
		return nil, err
	}
	mnemonic := strings.Join(words, " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	return bip39.NewSeed(mnemonic, norm.NFKD.String(string(password))), nil
}

// KeyFromMnemonic derives the account signing key of a mnemonic.
func KeyFromMnemonic(phrase string, password []byte) (*ExtendedKey, error) {
	seed, err := SeedFromMnemonic(phrase, password)
	if err != nil {
		return nil, err
	}
	return ExtendedKeyFromSeed(seed)
}

// NewMnemonic generates a fresh English mnemonic of the given length.
func NewMnemonic(words int) (string, error) {
	if !slices.Contains(SupportedWordCounts, words) {
		return "", fmt.Errorf("%w: %d", ErrInvalidWordCount, words)
	}
	entropy, err := bip39.NewEntropy(words * 32 / 3)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}
