package wallet

import (
	"errors"
	"fmt"

	"nhbwallet/core/types"
	"nhbwallet/crypto"
)

var (
	// ErrRecoveryFailed is returned when a recovery input cannot be turned
	// into key material: a bad checksum, a wrong PIN, an unreadable image.
	ErrRecoveryFailed = errors.New("wallet: recovery failed")
	// ErrMalformedKey is returned when decoded key material has the wrong shape.
	ErrMalformedKey = errors.New("wallet: malformed secret key")
	// ErrInvalidWordCount is returned before derivation for unsupported phrase lengths.
	ErrInvalidWordCount = errors.New("wallet: unsupported mnemonic word count")
)

// Identity is the signing key of a recovered wallet together with its account id.
type Identity struct {
	key     *crypto.ExtendedKey
	account types.AccountID
}

// FromKey wraps an already decoded extended key.
func FromKey(key *crypto.ExtendedKey) (*Identity, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: nil key", ErrMalformedKey)
	}
	id := &Identity{key: key}
	copy(id.account[:], key.PublicKey())
	return id, nil
}

func (i *Identity) AccountID() types.AccountID {
	return i.account
}

// Address renders the account address for the given network.
func (i *Identity) Address(disc types.Discrimination) (crypto.Address, error) {
	return crypto.NewAccountAddress(i.account[:], disc == types.DiscriminationTest)
}

func (i *Identity) PublicKey() []byte {
	return i.key.PublicKey()
}

func (i *Identity) Sign(msg []byte) []byte {
	return i.key.Sign(msg)
}

// Key exposes the extended secret for export.
func (i *Identity) Key() *crypto.ExtendedKey {
	return i.key
}

// Source is one way of recovering a wallet. The concrete sources are
// Mnemonic, QR and SecretKey.
type Source interface {
	// Kind names the source for logs; it never includes secret material.
	Kind() string
	derive() (*Identity, error)
}

// Derive recovers the identity described by src. It reads only the supplied
// input and never touches the network.
func Derive(src Source) (*Identity, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: no recovery source", ErrRecoveryFailed)
	}
	return src.derive()
}

// Mnemonic recovers from a BIP-39 phrase and optional password.
type Mnemonic struct {
	Phrase   string
	Password []byte
}

func (Mnemonic) Kind() string { return "mnemonic" }

func (m Mnemonic) derive() (*Identity, error) {
	key, err := crypto.KeyFromMnemonic(m.Phrase, m.Password)
	if err != nil {
		return nil, mapCryptoError(err)
	}
	return FromKey(key)
}

// QR recovers from a PIN protected QR code. Image holds the encoded image
// bytes; when empty the image is read from Path.
type QR struct {
	Path  string
	Image []byte
	PIN   string
}

func (QR) Kind() string { return "qr" }

func (q QR) derive() (*Identity, error) {
	var (
		text string
		err  error
	)
	if len(q.Image) > 0 {
		text, err = crypto.ReadQRBytes(q.Image)
	} else {
		text, err = crypto.ReadQRFile(q.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
	}
	key, err := crypto.DecodeKeyQR(text, q.PIN)
	if err != nil {
		return nil, mapCryptoError(err)
	}
	return FromKey(key)
}

// SecretKey recovers from a file holding a bech32 extended secret key.
type SecretKey struct {
	Path string
}

func (SecretKey) Kind() string { return "secret_key" }

func (s SecretKey) derive() (*Identity, error) {
	key, err := crypto.ReadSecretKeyFile(s.Path)
	if err != nil {
		return nil, mapCryptoError(err)
	}
	return FromKey(key)
}

// Generate creates a new mnemonic of the given length and the identity it
// recovers to. The phrase is returned so the caller can show it once.
func Generate(words int, password []byte) (string, *Identity, error) {
	phrase, err := crypto.NewMnemonic(words)
	if err != nil {
		return "", nil, mapCryptoError(err)
	}
	id, err := Derive(Mnemonic{Phrase: phrase, Password: password})
	if err != nil {
		return "", nil, err
	}
	return phrase, id, nil
}

func mapCryptoError(err error) error {
	switch {
	case errors.Is(err, crypto.ErrInvalidWordCount):
		return fmt.Errorf("%w: %v", ErrInvalidWordCount, err)
	case errors.Is(err, crypto.ErrKeyLength), errors.Is(err, crypto.ErrUnclampedKey):
		return fmt.Errorf("%w: %v", ErrMalformedKey, err)
	default:
		return fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
	}
}
