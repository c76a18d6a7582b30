package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"

	xssh "golang.org/x/crypto/ssh"
)

// GenerateEd25519Keypair creates an ed25519 keypair, writes the private key in
// OpenSSH format to privateKeyPath and the public key to privateKeyPath+".pub".
// The returned public key is in authorized_keys format.
func GenerateEd25519Keypair(privateKeyPath, comment string) (publicAuthorized string, err error) {
	pubKey, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	block, err := xssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(privateKeyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}

	sshPub, err := xssh.NewPublicKey(pubKey)
	if err != nil {
		return "", fmt.Errorf("public key: %w", err)
	}
	pub := MarshalAuthorized(sshPub, comment)
	if err := os.WriteFile(privateKeyPath+".pub", []byte(pub), 0644); err != nil {
		return "", fmt.Errorf("write public key: %w", err)
	}
	return pub, nil
}

// MarshalAuthorized renders key as a single authorized_keys line.
func MarshalAuthorized(key xssh.PublicKey, comment string) string {
	line := string(xssh.MarshalAuthorizedKey(key))
	if comment == "" {
		return line
	}
	return line[:len(line)-1] + " " + comment + "\n"
}

// LoadPrivateKeySigner reads an unencrypted OpenSSH/PEM private key file and
// returns an ssh.Signer.
func LoadPrivateKeySigner(privateKeyPath string) (xssh.Signer, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := xssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
