package crypto

import (
	"errors"
	"testing"
)

type memKeyStore struct {
	data map[string][]byte
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{data: make(map[string][]byte)}
}

func (m *memKeyStore) Get(namespace, key string) ([]byte, bool, error) {
	v, ok := m.data[namespace+"/"+key]
	return v, ok, nil
}

func (m *memKeyStore) Set(namespace, key string, value []byte) error {
	m.data[namespace+"/"+key] = append([]byte(nil), value...)
	return nil
}

func (m *memKeyStore) Delete(namespace, key string) error {
	delete(m.data, namespace+"/"+key)
	return nil
}

func TestServiceStoreAndGetPrivateKey(t *testing.T) {
	svc := NewService(newMemKeyStore())
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair failed: %v", err)
	}
	if err := svc.StorePrivateKey("user-1", kp.PrivateKey); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	got, err := svc.GetPrivateKey("user-1")
	if err != nil || got != kp.PrivateKey {
		t.Fatalf("get failed: %q err=%v", got, err)
	}
	if _, err := svc.GetPrivateKey("user-2"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if err := svc.StorePrivateKey("user-1", "garbage"); !errors.Is(err, ErrInvalidPrivateKey) {
		t.Fatalf("expected ErrInvalidPrivateKey, got %v", err)
	}
}

func TestPeerPublicKeyRegistry(t *testing.T) {
	svc := NewService(newMemKeyStore())
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair failed: %v", err)
	}
	if err := svc.StorePeerPublicKey("bob", kp.PublicKey); err != nil {
		t.Fatalf("store peer key failed: %v", err)
	}
	got, err := svc.PeerPublicKey("bob")
	if err != nil || got != kp.PublicKey {
		t.Fatalf("peer key lookup failed: %q err=%v", got, err)
	}
	if _, err := svc.PeerPublicKey("carol"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if err := svc.StorePeerPublicKey("bob", "not-a-key"); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}
}

func TestBackupPhraseRoundTrip(t *testing.T) {
	svc := NewService(newMemKeyStore())
	kp, err := svc.EnsureKeyPair("alice")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	phrase, err := svc.ExportBackupPhrase("alice")
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	restored, err := NewService(newMemKeyStore()).RestoreFromBackupPhrase("alice", phrase)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if restored.PrivateKey != kp.PrivateKey || restored.PublicKey != kp.PublicKey {
		t.Fatal("restored identity differs from the original")
	}
	if _, err := RestoreFromPhrase("correct horse battery staple"); !errors.Is(err, ErrInvalidPhrase) {
		t.Fatalf("expected ErrInvalidPhrase, got %v", err)
	}
}

func TestEnsureKeyPairIsStable(t *testing.T) {
	svc := NewService(newMemKeyStore())
	first, err := svc.EnsureKeyPair("user-1")
	if err != nil {
		t.Fatalf("first ensure failed: %v", err)
	}
	second, err := svc.EnsureKeyPair("user-1")
	if err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	if first.PrivateKey != second.PrivateKey || first.PublicKey != second.PublicKey {
		t.Fatal("EnsureKeyPair regenerated an existing identity")
	}
}
