package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/daedalus/daedalus_client/internal/i18n"
	"github.com/daedalus/daedalus_client/internal/util"
)

const DefaultKeyName = "id_ed25519"

// DefaultKeyPath is where keys are generated when connection.key_file is
// not set.
func DefaultKeyPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", util.NewError(util.ErrTypeConfig, i18n.T("home_dir_error", nil), err)
	}
	return filepath.Join(home, ".daedalus_client", DefaultKeyName), nil
}

type KeyPair struct {
	PrivateKey []byte
	PublicKey  []byte
	KeyPath    string
}

func (k *KeyPair) PublicKeyPath() string {
	return k.KeyPath + ".pub"
}

type KeyGenerator interface {
	GenerateKey(keyPath string) (*KeyPair, error)
}

// Ed25519Generator writes a PKCS#8 private key and an authorized_keys style
// public key next to it. Existing keys are copied aside first.
type Ed25519Generator struct {
	now func() time.Time
}

func NewEd25519Generator() KeyGenerator {
	return &Ed25519Generator{now: time.Now}
}

func keygenError(id string, err error) error {
	return util.NewError(util.ErrTypeConfig, i18n.T(id, map[string]any{"Error": err}), err)
}

func (g *Ed25519Generator) GenerateKey(keyPath string) (*KeyPair, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, keygenError("keygen_key_dir_create_error", err)
	}

	if err := g.backupExistingKeys(keyPath); err != nil {
		return nil, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, keygenError("keygen_key_generate_error", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, keygenError("keygen_private_key_marshal_error", err)
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	sshPublicKey, err := ssh.NewPublicKey(publicKey)
	if err != nil {
		return nil, keygenError("keygen_ssh_public_key_error", err)
	}
	authorized := ssh.MarshalAuthorizedKey(sshPublicKey)

	if err := os.WriteFile(keyPath, privatePEM, 0600); err != nil {
		return nil, keygenError("keygen_private_key_write_error", err)
	}

	pair := &KeyPair{
		PrivateKey: privatePEM,
		PublicKey:  authorized,
		KeyPath:    keyPath,
	}
	if err := os.WriteFile(pair.PublicKeyPath(), authorized, 0644); err != nil {
		return nil, keygenError("keygen_public_key_write_error", err)
	}

	util.Info(i18n.T("keygen_key_written", map[string]any{"Path": keyPath}), map[string]any{
		"fingerprint": ssh.FingerprintSHA256(sshPublicKey),
	})

	return pair, nil
}

func (g *Ed25519Generator) backupExistingKeys(keyPath string) error {
	suffix := ".bak." + g.now().Format("20060102-150405")

	for _, f := range []struct {
		path string
		id   string
	}{
		{keyPath, "keygen_private_key_backup_error"},
		{keyPath + ".pub", "keygen_public_key_backup_error"},
	} {
		if _, err := os.Stat(f.path); err != nil {
			continue
		}
		if err := copyFile(f.path, f.path+suffix); err != nil {
			return keygenError(f.id, err)
		}
	}

	return nil
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	return os.WriteFile(dst, data, info.Mode().Perm())
}
