// internal/crypto/keystore.go
package crypto

import (
	"os"
	"path/filepath"
)

// Keystore persists a node identity between runs.
type Keystore interface {
	Load() (*Identity, error)
	Save(*Identity) error
}

// FileKeystore stores the 128-byte identity layout in a single file.
type FileKeystore struct {
	Path string
}

func (k FileKeystore) Load() (*Identity, error) {
	data, err := os.ReadFile(k.Path)
	if err != nil {
		return nil, err
	}
	return IdentityFromBytes(data)
}

func (k FileKeystore) Save(id *Identity) error {
	if err := os.MkdirAll(filepath.Dir(k.Path), 0700); err != nil {
		return err
	}
	return os.WriteFile(k.Path, id.Bytes(), 0600)
}

// LoadOrCreate loads the stored identity, generating and saving a fresh one
// when the keystore is empty.
func LoadOrCreate(ks Keystore) (*Identity, error) {
	id, err := ks.Load()
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	id, err = NewIdentity()
	if err != nil {
		return nil, err
	}
	if err := ks.Save(id); err != nil {
		return nil, err
	}
	return id, nil
}
