// Package tls prepares the front listener's TLS settings from config.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/redeployr/internal/config"
)

// File names used inside server.tls.dir.
const (
	CertName = "tls.crt"
	KeyName  = "tls.key"
	CAName   = "tls_ca.crt"
)

var errNoSource = errors.New("tls enabled but neither cert_file/key_file nor dir is set")

// SetupTLS returns nil when TLS is disabled. Explicit cert_file/key_file win
// over dir; in dir mode a missing pair is generated when auto_generate is on.
func SetupTLS(server config.ServerConfig) (*tls.Config, error) {
	t := server.TLS
	if t == nil || !t.Enabled {
		return nil, nil
	}
	minVer, maxVer, err := versionRange(server.TLSMinVersion, server.TLSMaxVersion)
	if err != nil {
		return nil, err
	}

	var crt, key string
	switch {
	case t.CertFile != "" && t.KeyFile != "":
		crt, key = t.CertFile, t.KeyFile
	case t.Dir != "":
		crt, key = filepath.Join(t.Dir, CertName), filepath.Join(t.Dir, KeyName)
		if t.AutoGenerate && !exists(crt, key) {
			if err := os.MkdirAll(t.Dir, 0o755); err != nil {
				return nil, fmt.Errorf("tls dir: %w", err)
			}
			if err := WriteSelfSigned(selfSignedFor(t.AutoGen, t.Dir)); err != nil {
				return nil, fmt.Errorf("generate certificate: %w", err)
			}
		}
	default:
		return nil, errNoSource
	}

	rl := &reloader{certPath: crt, keyPath: key}
	// fail at startup rather than on the first handshake
	if _, err := rl.get(); err != nil {
		return nil, err
	}
	return &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return rl.get() },
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}, nil
}

// versionRange defaults both ends to TLS 1.3 and lifts max up to min.
func versionRange(minS, maxS string) (uint16, uint16, error) {
	minVer, err := parseVersion(minS)
	if err != nil {
		return 0, 0, fmt.Errorf("server.tls_min_version: %w", err)
	}
	maxVer, err := parseVersion(maxS)
	if err != nil {
		return 0, 0, fmt.Errorf("server.tls_max_version: %w", err)
	}
	if maxVer < minVer {
		maxVer = minVer
	}
	return minVer, maxVer, nil
}

func parseVersion(s string) (uint16, error) {
	switch s {
	case "", "default", "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, nil
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, nil
	}
	return 0, fmt.Errorf("unsupported version %q", s)
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// reloader re-parses the key pair only when either file's mtime changes, so
// renewed certificates are served without restarting.
type reloader struct {
	certPath, keyPath string

	mu       sync.Mutex
	cert     *tls.Certificate
	certTime time.Time
	keyTime  time.Time
}

func (r *reloader) get() (*tls.Certificate, error) {
	ci, err := os.Stat(r.certPath)
	if err != nil {
		return nil, err
	}
	ki, err := os.Stat(r.keyPath)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cert != nil && ci.ModTime().Equal(r.certTime) && ki.ModTime().Equal(r.keyTime) {
		return r.cert, nil
	}
	pair, err := tls.LoadX509KeyPair(r.certPath, r.keyPath)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	r.cert, r.certTime, r.keyTime = &pair, ci.ModTime(), ki.ModTime()
	return r.cert, nil
}
