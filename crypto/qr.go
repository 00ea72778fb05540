package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"strings"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	qrPayloadVersion byte = 0x01
	qrSaltSize            = 16
	qrKDFIterations       = 12983
	qrKeySize             = chacha20poly1305.KeySize

	// DefaultQRSize is the edge length in pixels of generated QR images.
	DefaultQRSize = 256
)

var (
	ErrInvalidPIN = errors.New("crypto: PIN must contain only digits")
	ErrQRPayload  = errors.New("crypto: malformed QR payload")
	ErrQRDecrypt  = errors.New("crypto: QR payload could not be decrypted")
	ErrQRImage    = errors.New("crypto: no QR code found in image")
)

// PINBytes converts a decimal PIN into the byte-per-digit form used as the
// password of the payload key derivation.
func PINBytes(pin string) ([]byte, error) {
	if pin == "" {
		return nil, ErrInvalidPIN
	}
	out := make([]byte, len(pin))
	for i := 0; i < len(pin); i++ {
		c := pin[i]
		if c < '0' || c > '9' {
			return nil, ErrInvalidPIN
		}
		out[i] = c - '0'
	}
	return out, nil
}

func qrKey(pin, salt []byte) []byte {
	return pbkdf2.Key(pin, salt, qrKDFIterations, qrKeySize, sha512.New)
}

// EncryptQRPayload seals secret under pin and returns the hex text placed in
// the QR code: version | salt | nonce | ciphertext | tag.
func EncryptQRPayload(secret []byte, pin string) (string, error) {
	pinBytes, err := PINBytes(pin)
	if err != nil {
		return "", err
	}
	salt := make([]byte, qrSaltSize)
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.New(qrKey(pinBytes, salt))
	if err != nil {
		return "", err
	}
	out := make([]byte, 0, 1+len(salt)+len(nonce)+len(secret)+aead.Overhead())
	out = append(out, qrPayloadVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, secret, nil)
	return hex.EncodeToString(out), nil
}

// DecryptQRPayload reverses EncryptQRPayload. A wrong PIN and a tampered
// payload are indistinguishable and both return ErrQRDecrypt.
func DecryptQRPayload(text, pin string) ([]byte, error) {
	pinBytes, err := PINBytes(pin)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQRPayload, err)
	}
	header := 1 + qrSaltSize + chacha20poly1305.NonceSize
	if len(raw) < header+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrQRPayload, len(raw))
	}
	if raw[0] != qrPayloadVersion {
		return nil, fmt.Errorf("%w: version %d", ErrQRPayload, raw[0])
	}
	salt := raw[1 : 1+qrSaltSize]
	nonce := raw[1+qrSaltSize : header]
	aead, err := chacha20poly1305.New(qrKey(pinBytes, salt))
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, raw[header:], nil)
	if err != nil {
		return nil, ErrQRDecrypt
	}
	return plain, nil
}

// DecodeQRImage reads the text carried by the QR code in img.
func DecodeQRImage(img image.Image) (text string, err error) {
	// the bitmap helpers panic on degenerate images
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("%w: %v", ErrQRImage, r)
		}
	}()
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrQRImage, err)
	}
	result, err := qrcode.NewQRCodeReader().Decode(bmp, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrQRImage, err)
	}
	return result.GetText(), nil
}

// EncodeQRImage renders text as a size x size QR code.
func EncodeQRImage(text string, size int) (image.Image, error) {
	if size <= 0 {
		size = DefaultQRSize
	}
	matrix, err := qrcode.NewQRCodeWriter().Encode(text, gozxing.BarcodeFormat_QR_CODE, size, size, nil)
	if err != nil {
		return nil, err
	}
	return matrix, nil
}

// ReadQRFile decodes a PNG or JPEG file and returns its QR text.
func ReadQRFile(path string) (string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return ReadQRBytes(contents)
}

// ReadQRBytes decodes an in-memory PNG or JPEG image and returns its QR text.
func ReadQRBytes(contents []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(contents))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrQRImage, err)
	}
	return DecodeQRImage(img)
}

// DecodeKeyQR decrypts an extended secret key from QR text.
func DecodeKeyQR(text, pin string) (*ExtendedKey, error) {
	secret, err := DecryptQRPayload(text, pin)
	if err != nil {
		return nil, err
	}
	return NewExtendedKey(secret)
}

// WriteKeyQR encrypts key under pin and writes it as a PNG QR code.
func WriteKeyQR(w io.Writer, key *ExtendedKey, pin string) error {
	if key == nil {
		return errors.New("crypto: nil secret key")
	}
	text, err := EncryptQRPayload(key.Bytes(), pin)
	if err != nil {
		return err
	}
	img, err := EncodeQRImage(text, DefaultQRSize)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}
