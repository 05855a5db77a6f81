package infra

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

const (
	// DefaultAllowlistURL reports the caller's public address as JSON.
	DefaultAllowlistURL = "https://ifconfig.co/json"

	// AllowlistFile holds the CIDR allowed to reach lab hosts.
	AllowlistFile = "whitelist.txt"

	// PrivateKeyFile and PublicKeyFile hold the compromised SSH key pair.
	PrivateKeyFile = "cloudgoat"
	PublicKeyFile  = "cloudgoat.pub"

	// DefaultKeyBits is the RSA key size of the compromised key pair.
	DefaultKeyBits = 4096
)

// ErrNoAddress is returned when the lookup service returns no usable ip.
var ErrNoAddress = errors.New("infra: no public address in response")

// WriteAllowlist looks up the caller's public address and writes it to
// dir/whitelist.txt as a single-host CIDR.
func WriteAllowlist(ctx context.Context, client *http.Client, url, dir string) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if url == "" {
		url = DefaultAllowlistURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("infra: failed to look up public address: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("infra: address lookup returned %s", resp.Status)
	}

	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return "", fmt.Errorf("infra: failed to decode address lookup: %w", err)
	}
	addr, err := netip.ParseAddr(body.IP)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrNoAddress, body.IP)
	}
	cidr := netip.PrefixFrom(addr, addr.BitLen()).String()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, AllowlistFile), []byte(cidr), 0o644); err != nil {
		return "", fmt.Errorf("infra: failed to write allowlist: %w", err)
	}
	return cidr, nil
}

// GenerateSSHKeys writes an unencrypted RSA key pair for the lab's
// compromised hosts: a PEM private key and an OpenSSH public key.
func GenerateSSHKeys(dir string, bits int) (string, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return "", fmt.Errorf("infra: failed to generate key: %w", err)
	}
	pub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("infra: failed to encode public key: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	private := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(filepath.Join(dir, PrivateKeyFile), private, 0o600); err != nil {
		return "", fmt.Errorf("infra: failed to write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, PublicKeyFile), ssh.MarshalAuthorizedKey(pub), 0o644); err != nil {
		return "", fmt.Errorf("infra: failed to write public key: %w", err)
	}
	return ssh.FingerprintSHA256(pub), nil
}
