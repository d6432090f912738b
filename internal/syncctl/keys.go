package syncctl

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// KeyPaths are the two files a per-VM keypair lives at under
// <state>/mutagen/keys/<vm>/.
type KeyPaths struct {
	PrivatePath string
	PublicPath  string
}

func keyPaths(stateDir, vmName string) KeyPaths {
	dir := filepath.Join(stateDir, "mutagen", "keys", vmName)
	return KeyPaths{
		PrivatePath: filepath.Join(dir, "id_ed25519"),
		PublicPath:  filepath.Join(dir, "id_ed25519.pub"),
	}
}

// EnsureVMKeyPair creates a minimal per-VM ed25519 keypair on the host if
// one does not already exist, generating the key in-process rather than
// shelling out to ssh-keygen.
func EnsureVMKeyPair(stateDir, vmName string) (KeyPaths, error) {
	paths := keyPaths(stateDir, vmName)
	if _, err := os.Stat(paths.PrivatePath); err == nil {
		if _, err := os.Stat(paths.PublicPath); err == nil {
			return paths, nil
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPaths{}, err
	}

	block, err := ssh.MarshalPrivateKey(priv, "clawbox-"+vmName)
	if err != nil {
		return KeyPaths{}, err
	}

	if err := os.MkdirAll(filepath.Dir(paths.PrivatePath), 0o700); err != nil {
		return KeyPaths{}, err
	}
	if err := os.WriteFile(paths.PrivatePath, pem.EncodeToMemory(block), 0o600); err != nil {
		return KeyPaths{}, err
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return KeyPaths{}, err
	}
	authorizedKeyLine := ssh.MarshalAuthorizedKey(sshPub)
	if err := os.WriteFile(paths.PublicPath, authorizedKeyLine, 0o644); err != nil {
		return KeyPaths{}, err
	}

	return paths, nil
}

// ReadPublicKey returns the authorized_keys-format public key line for vmName's
// keypair (without the trailing newline), for installation in the guest.
func ReadPublicKey(stateDir, vmName string) (string, error) {
	paths := keyPaths(stateDir, vmName)
	raw, err := os.ReadFile(paths.PublicPath)
	if err != nil {
		return "", err
	}
	return trimTrailingNewline(string(raw)), nil
}

func trimTrailingNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
