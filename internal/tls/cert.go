package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/redeployr/internal/config"
)

// SelfSigned describes a generated certificate and where to write it.
// CAPath is optional; the self-signed leaf doubles as its own CA.
type SelfSigned struct {
	CommonName   string
	Organization string
	Hosts        []string // DNS names and IP literals
	NotAfter     time.Time
	CertPath     string
	KeyPath      string
	CAPath       string
}

func selfSignedFor(a *config.AutoGenTLS, dir string) SelfSigned {
	if a == nil {
		a = &config.AutoGenTLS{}
	}
	s := SelfSigned{
		CommonName:   a.CommonName,
		Organization: a.Organization,
		Hosts:        append(append([]string{}, a.DNSNames...), a.IPAddresses...),
		CertPath:     filepath.Join(dir, CertName),
		KeyPath:      filepath.Join(dir, KeyName),
		CAPath:       filepath.Join(dir, CAName),
	}
	if s.CommonName == "" {
		s.CommonName = "localhost"
	}
	if s.Organization == "" {
		s.Organization = "redeployr"
	}
	if len(s.Hosts) == 0 {
		s.Hosts = []string{"localhost", "127.0.0.1"}
	}
	days := a.ValidDays
	if days <= 0 {
		days = 365
	}
	s.NotAfter = time.Now().AddDate(0, 0, days)
	return s
}

// WriteSelfSigned creates an ECDSA P-256 key and a certificate signed by it.
// The key file is written with mode 0600.
func WriteSelfSigned(s SelfSigned) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: s.CommonName, Organization: []string{s.Organization}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              s.NotAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range s.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}

	if err := writePEM(s.KeyPath, 0o600, "PRIVATE KEY", keyDER); err != nil {
		return err
	}
	if err := writePEM(s.CertPath, 0o644, "CERTIFICATE", der); err != nil {
		return err
	}
	if s.CAPath != "" {
		return writePEM(s.CAPath, 0o644, "CERTIFICATE", der)
	}
	return nil
}

func writePEM(path string, mode os.FileMode, typ string, der []byte) error {
	data := pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der})
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	// WriteFile keeps the mode of an existing file
	return os.Chmod(path, mode)
}
