package crypto

import (
	"crypto/ecdh"
	"errors"

	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"
)

var ErrInvalidPhrase = errors.New("invalid backup phrase")

// BackupPhrase renders the private key as a 24-word BIP-39 mnemonic so a user
// can move their messaging identity to another device by hand.
func BackupPhrase(privateKey string) (string, error) {
	raw, err := base58.Decode(privateKey)
	if err != nil || len(raw) != keySize {
		return "", ErrInvalidPrivateKey
	}
	defer zeroBytes(raw)
	return bip39.NewMnemonic(raw)
}

// RestoreFromPhrase rebuilds the full keypair from a backup phrase.
func RestoreFromPhrase(phrase string) (KeyPair, error) {
	entropy, err := bip39.EntropyFromMnemonic(phrase)
	if err != nil {
		return KeyPair{}, ErrInvalidPhrase
	}
	defer zeroBytes(entropy)
	if len(entropy) != keySize {
		return KeyPair{}, ErrInvalidPhrase
	}
	priv, err := ecdh.X25519().NewPrivateKey(entropy)
	if err != nil {
		return KeyPair{}, ErrInvalidPhrase
	}
	return KeyPair{
		PublicKey:  base58.Encode(priv.PublicKey().Bytes()),
		PrivateKey: base58.Encode(priv.Bytes()),
	}, nil
}
