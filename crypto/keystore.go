package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	cosmosbech32 "github.com/cosmos/btcutil/bech32"
)

// SecretKeyHRP is the bech32 prefix of an exported extended secret key.
const SecretKeyHRP = "ed25519e_sk"

// Exported secrets are longer than the 90 characters BIP-173 allows.
const secretKeyBech32Limit = 1023

var (
	ErrSecretKeyEncoding = errors.New("crypto: secret key is not valid bech32")
	ErrSecretKeyPrefix   = errors.New("crypto: unexpected secret key prefix")
)

// EncodeSecretKey renders key as a single bech32 line.
func EncodeSecretKey(key *ExtendedKey) (string, error) {
	if key == nil {
		return "", errors.New("crypto: nil secret key")
	}
	conv, err := cosmosbech32.ConvertBits(key.Bytes(), 8, 5, true)
	if err != nil {
		return "", err
	}
	return cosmosbech32.Encode(SecretKeyHRP, conv)
}

// DecodeSecretKey parses a bech32 secret key line. Bech32 failures wrap
// ErrSecretKeyEncoding; a payload of the wrong size wraps ErrKeyLength.
func DecodeSecretKey(line string) (*ExtendedKey, error) {
	cleaned := strings.NewReplacer("\n", "", "\r", "").Replace(line)
	hrp, data, err := cosmosbech32.Decode(strings.TrimSpace(cleaned), secretKeyBech32Limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretKeyEncoding, err)
	}
	if hrp != SecretKeyHRP {
		return nil, fmt.Errorf("%w: %q", ErrSecretKeyPrefix, hrp)
	}
	payload, err := cosmosbech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretKeyEncoding, err)
	}
	return NewExtendedKey(payload)
}

// ReadSecretKeyFile loads a key written by WriteSecretKeyFile.
func ReadSecretKeyFile(path string) (*ExtendedKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty secret key path")
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeSecretKey(string(contents))
}

// WriteSecretKeyFile writes key as bech32 to path with 0600 permissions.
// If the parent directory does not exist it will be created with 0700 permissions.
func WriteSecretKeyFile(path string, key *ExtendedKey) error {
	if path == "" {
		return errors.New("crypto: empty secret key path")
	}
	encoded, err := EncodeSecretKey(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "secret-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(encoded + "\n"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}
