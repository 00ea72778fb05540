package crypto

import (
	"crypto/ed25519"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcutil/bech32"
)

// AddressPrefix defines the human-readable prefix of an account address.
type AddressPrefix string

const (
	ProductionPrefix AddressPrefix = "ca"
	TestPrefix       AddressPrefix = "ta"
)

const (
	// ExtendedKeySize is the length of an extended secret key: a clamped
	// scalar followed by the 32 byte nonce prefix.
	ExtendedKeySize = 64
	PublicKeySize   = ed25519.PublicKeySize

	accountKindHeader   byte = 0x05
	testDiscrimination  byte = 0x80
	accountAddressBytes      = 1 + PublicKeySize
)

var (
	ErrKeyLength      = errors.New("crypto: extended secret key must be 64 bytes")
	ErrUnclampedKey   = errors.New("crypto: extended secret key scalar is not clamped")
	ErrAddressPayload = errors.New("crypto: address payload is not an account address")
)

// ExtendedKey is an Ed25519 signing key in expanded form. Signatures are
// standard Ed25519 and verify with crypto/ed25519.
type ExtendedKey struct {
	raw    [ExtendedKeySize]byte
	scalar *edwards25519.Scalar
	pub    [PublicKeySize]byte
}

// NewExtendedKey parses a 64 byte extended secret key. The scalar half must
// already be clamped as described in RFC 8032 section 5.1.5.
func NewExtendedKey(b []byte) (*ExtendedKey, error) {
	if len(b) != ExtendedKeySize {
		return nil, fmt.Errorf("%w: got %d", ErrKeyLength, len(b))
	}
	if b[0]&7 != 0 || b[31]&0xc0 != 0x40 {
		return nil, ErrUnclampedKey
	}
	k := &ExtendedKey{}
	copy(k.raw[:], b)

	scalar, err := edwards25519.NewScalar().SetBytesWithClamping(k.raw[:32])
	if err != nil {
		return nil, err
	}
	k.scalar = scalar
	copy(k.pub[:], new(edwards25519.Point).ScalarBaseMult(scalar).Bytes())
	return k, nil
}

// ExtendedKeyFromSeed expands the first 32 bytes of seed the same way
// ed25519.NewKeyFromSeed does.
func ExtendedKeyFromSeed(seed []byte) (*ExtendedKey, error) {
	if len(seed) < ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: seed must be at least %d bytes", ed25519.SeedSize)
	}
	h := sha512.Sum512(seed[:ed25519.SeedSize])
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return NewExtendedKey(h[:])
}

// Bytes returns the 64 byte extended secret.
func (k *ExtendedKey) Bytes() []byte {
	out := make([]byte, ExtendedKeySize)
	copy(out, k.raw[:])
	return out
}

func (k *ExtendedKey) PublicKey() []byte {
	out := make([]byte, PublicKeySize)
	copy(out, k.pub[:])
	return out
}

// Sign produces an Ed25519 signature of msg.
func (k *ExtendedKey) Sign(msg []byte) []byte {
	rh := sha512.New()
	rh.Write(k.raw[32:])
	rh.Write(msg)
	r, err := edwards25519.NewScalar().SetUniformBytes(rh.Sum(nil))
	if err != nil {
		panic(err) // sha512 output is always 64 bytes
	}
	R := new(edwards25519.Point).ScalarBaseMult(r).Bytes()

	kh := sha512.New()
	kh.Write(R)
	kh.Write(k.pub[:])
	kh.Write(msg)
	challenge, err := edwards25519.NewScalar().SetUniformBytes(kh.Sum(nil))
	if err != nil {
		panic(err)
	}
	s := edwards25519.NewScalar().MultiplyAdd(challenge, k.scalar, r)

	sig := make([]byte, 0, ed25519.SignatureSize)
	sig = append(sig, R...)
	return append(sig, s.Bytes()...)
}

// Verify checks an Ed25519 signature.
func Verify(pub, msg, sig []byte) bool {
	if len(pub) != PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// Address is a bech32 rendered account address.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

// NewAccountAddress builds the address of an account public key. Test
// network addresses carry the discrimination bit and the test prefix.
func NewAccountAddress(pub []byte, test bool) (Address, error) {
	if len(pub) != PublicKeySize {
		return Address{}, fmt.Errorf("crypto: public key must be %d bytes", PublicKeySize)
	}
	header := accountKindHeader
	prefix := ProductionPrefix
	if test {
		header |= testDiscrimination
		prefix = TestPrefix
	}
	payload := make([]byte, 0, accountAddressBytes)
	payload = append(payload, header)
	payload = append(payload, pub...)
	return Address{prefix: prefix, bytes: payload}, nil
}

// String renders the bech32 form. The zero Address renders as "".
func (a Address) String() string {
	if len(a.bytes) == 0 {
		return ""
	}
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// PublicKey returns the account key carried by the address.
func (a Address) PublicKey() []byte {
	return append([]byte(nil), a.bytes[1:]...)
}

// IsTest reports whether the address carries the test discrimination bit.
func (a Address) IsTest() bool {
	return a.bytes[0]&testDiscrimination != 0
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != accountAddressBytes || conv[0]&^testDiscrimination != accountKindHeader {
		return Address{}, ErrAddressPayload
	}
	return Address{prefix: AddressPrefix(prefix), bytes: conv}, nil
}
