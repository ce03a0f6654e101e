package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidPublicKey  = errors.New("invalid recipient public key")
	ErrInvalidPrivateKey = errors.New("invalid private key")
	ErrDecryptFailed     = errors.New("decryption failed")
	ErrMalformedPayload  = errors.New("malformed encrypted payload")
)

const (
	keySize = 32

	// EncryptedKey layout: ephemeral X25519 public key, wrap nonce, wrapped
	// content key with its auth tag.
	wrappedKeyOverhead = keySize + chacha20poly1305.NonceSizeX + keySize + chacha20poly1305.Overhead
)

// KeyPair is an X25519 keypair encoded as base58 text. The private key stays
// on this device; only the public key is ever published.
type KeyPair struct {
	PublicKey  string
	PrivateKey string
}

// Encrypted is the sealed form of one message body. A fresh content key and
// nonce are drawn per call, so identical plaintexts never produce identical
// output.
type Encrypted struct {
	Content      []byte
	EncryptedKey []byte
	IV           []byte
}

func GenerateKeyPair() (KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{
		PublicKey:  base58.Encode(priv.PublicKey().Bytes()),
		PrivateKey: base58.Encode(priv.Bytes()),
	}, nil
}

// EncryptMessage seals plaintext with a one-time XChaCha20-Poly1305 content
// key, then wraps that key for the recipient: ephemeral X25519 ECDH against
// the recipient public key, HKDF-SHA256 to a wrap key, and a second AEAD seal.
func EncryptMessage(plaintext []byte, recipientPublicKey string) (Encrypted, error) {
	peerPub, err := decodePublicKey(recipientPublicKey)
	if err != nil {
		return Encrypted{}, err
	}

	contentKey := make([]byte, keySize)
	if _, err := rand.Read(contentKey); err != nil {
		return Encrypted{}, err
	}
	defer zeroBytes(contentKey)

	aead, err := chacha20poly1305.NewX(contentKey)
	if err != nil {
		return Encrypted{}, err
	}
	iv := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(iv); err != nil {
		return Encrypted{}, err
	}
	content := aead.Seal(nil, iv, plaintext, nil)

	ephPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return Encrypted{}, err
	}
	wrapKey, err := deriveWrapKey(ephPriv, peerPub, ephPriv.PublicKey().Bytes())
	if err != nil {
		return Encrypted{}, err
	}
	defer zeroBytes(wrapKey)

	wrapAEAD, err := chacha20poly1305.NewX(wrapKey)
	if err != nil {
		return Encrypted{}, err
	}
	wrapNonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(wrapNonce); err != nil {
		return Encrypted{}, err
	}
	wrapped := wrapAEAD.Seal(nil, wrapNonce, contentKey, nil)

	encryptedKey := make([]byte, 0, wrappedKeyOverhead)
	encryptedKey = append(encryptedKey, ephPriv.PublicKey().Bytes()...)
	encryptedKey = append(encryptedKey, wrapNonce...)
	encryptedKey = append(encryptedKey, wrapped...)

	return Encrypted{Content: content, EncryptedKey: encryptedKey, IV: iv}, nil
}

// DecryptMessage unwraps the content key with the local private key and opens
// the sealed body. Any tampering with content or key material, and any key
// mismatch, fails closed; no partial plaintext is ever returned.
func DecryptMessage(enc Encrypted, privateKey string) ([]byte, error) {
	priv, err := decodePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	if len(enc.EncryptedKey) != wrappedKeyOverhead || len(enc.IV) != chacha20poly1305.NonceSizeX || len(enc.Content) < chacha20poly1305.Overhead {
		return nil, ErrMalformedPayload
	}

	ephPubBytes := enc.EncryptedKey[:keySize]
	wrapNonce := enc.EncryptedKey[keySize : keySize+chacha20poly1305.NonceSizeX]
	wrapped := enc.EncryptedKey[keySize+chacha20poly1305.NonceSizeX:]

	ephPub, err := ecdh.X25519().NewPublicKey(ephPubBytes)
	if err != nil {
		return nil, ErrMalformedPayload
	}
	wrapKey, err := deriveWrapKey(priv, ephPub, ephPubBytes)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	defer zeroBytes(wrapKey)

	wrapAEAD, err := chacha20poly1305.NewX(wrapKey)
	if err != nil {
		return nil, err
	}
	contentKey, err := wrapAEAD.Open(nil, wrapNonce, wrapped, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	defer zeroBytes(contentKey)

	aead, err := chacha20poly1305.NewX(contentKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, enc.IV, enc.Content, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func deriveWrapKey(priv *ecdh.PrivateKey, pub *ecdh.PublicKey, ephPubBytes []byte) ([]byte, error) {
	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(shared)
	reader := hkdf.New(sha256.New, shared, ephPubBytes, []byte("loopline/dm/wrap-key/v1"))
	out := make([]byte, keySize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodePublicKey(encoded string) (*ecdh.PublicKey, error) {
	raw, err := base58.Decode(encoded)
	if err != nil || len(raw) != keySize {
		return nil, ErrInvalidPublicKey
	}
	pub, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return pub, nil
}

func decodePrivateKey(encoded string) (*ecdh.PrivateKey, error) {
	raw, err := base58.Decode(encoded)
	if err != nil || len(raw) != keySize {
		return nil, ErrInvalidPrivateKey
	}
	priv, err := ecdh.X25519().NewPrivateKey(raw)
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}
	return priv, nil
}

func encodePublicKey(priv *ecdh.PrivateKey) string {
	return base58.Encode(priv.PublicKey().Bytes())
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
