package crypto

import "errors"

// KeyStore is the secure key store collaborator: namespaced get/set/delete of
// key material. Backed by an OS keychain or an encrypted file, never by
// anything that crosses the network.
type KeyStore interface {
	Get(namespace, key string) ([]byte, bool, error)
	Set(namespace, key string, value []byte) error
	Delete(namespace, key string) error
}

const (
	keyNamespace     = "dm-keys"
	peerKeyNamespace = "peer-public-keys"
)

var ErrKeyNotFound = errors.New("key not found")

// Service scopes private-key persistence per user on top of the pure
// encryption primitives.
type Service struct {
	keys KeyStore
}

func NewService(keys KeyStore) *Service {
	return &Service{keys: keys}
}

func (s *Service) GenerateKeyPair() (KeyPair, error) {
	return GenerateKeyPair()
}

func (s *Service) EncryptMessage(plaintext []byte, recipientPublicKey string) (Encrypted, error) {
	return EncryptMessage(plaintext, recipientPublicKey)
}

func (s *Service) DecryptMessage(enc Encrypted, privateKey string) ([]byte, error) {
	return DecryptMessage(enc, privateKey)
}

func (s *Service) StorePrivateKey(userID, privateKey string) error {
	if _, err := decodePrivateKey(privateKey); err != nil {
		return err
	}
	return s.keys.Set(keyNamespace, userID, []byte(privateKey))
}

func (s *Service) GetPrivateKey(userID string) (string, error) {
	raw, ok, err := s.keys.Get(keyNamespace, userID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrKeyNotFound
	}
	return string(raw), nil
}

func (s *Service) DeletePrivateKey(userID string) error {
	return s.keys.Delete(keyNamespace, userID)
}

// StorePeerPublicKey records another user's published public key so messages
// can be sealed toward them. Rejects keys that do not decode.
func (s *Service) StorePeerPublicKey(userID, publicKey string) error {
	if _, err := decodePublicKey(publicKey); err != nil {
		return err
	}
	return s.keys.Set(peerKeyNamespace, userID, []byte(publicKey))
}

func (s *Service) PeerPublicKey(userID string) (string, error) {
	raw, ok, err := s.keys.Get(peerKeyNamespace, userID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrKeyNotFound
	}
	return string(raw), nil
}

// ExportBackupPhrase renders the stored private key for userID as a mnemonic
// the user can write down.
func (s *Service) ExportBackupPhrase(userID string) (string, error) {
	priv, err := s.GetPrivateKey(userID)
	if err != nil {
		return "", err
	}
	return BackupPhrase(priv)
}

// RestoreFromBackupPhrase rebuilds the keypair from a mnemonic and persists
// it, replacing whatever key was stored for userID.
func (s *Service) RestoreFromBackupPhrase(userID, phrase string) (KeyPair, error) {
	kp, err := RestoreFromPhrase(phrase)
	if err != nil {
		return KeyPair{}, err
	}
	if err := s.keys.Set(keyNamespace, userID, []byte(kp.PrivateKey)); err != nil {
		return KeyPair{}, err
	}
	return kp, nil
}

// EnsureKeyPair loads the stored private key for userID, generating and
// persisting a fresh keypair on first use.
func (s *Service) EnsureKeyPair(userID string) (KeyPair, error) {
	stored, err := s.GetPrivateKey(userID)
	if err == nil {
		priv, derr := decodePrivateKey(stored)
		if derr != nil {
			return KeyPair{}, derr
		}
		return KeyPair{PublicKey: encodePublicKey(priv), PrivateKey: stored}, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return KeyPair{}, err
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		return KeyPair{}, err
	}
	if err := s.keys.Set(keyNamespace, userID, []byte(kp.PrivateKey)); err != nil {
		return KeyPair{}, err
	}
	return kp, nil
}
