// Package tlsutil serves TLS certificates with hot reload. The key pair
// is re-read from disk whenever the files change, so certificate
// rotation never requires a restart.
package tlsutil

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 300 * time.Millisecond

// KeyPair holds the active certificate and swaps it atomically on
// rotation. Pass GetCertificate to tls.Config; it is invoked on every
// handshake.
type KeyPair struct {
	certPath string
	keyPath  string
	logger   *slog.Logger

	mu      sync.RWMutex
	current *tls.Certificate

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch loads the key pair and begins watching the containing
// directories for changes. Watching directories rather than the files
// themselves survives rename-based rotation, where the original inode
// disappears.
func Watch(certPath, keyPath string, logger *slog.Logger) (*KeyPair, error) {
	kp := &KeyPair{
		certPath: certPath,
		keyPath:  keyPath,
		logger:   logger,
		done:     make(chan struct{}),
	}

	if err := kp.load(); err != nil {
		return nil, fmt.Errorf("loading key pair: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	dirs := map[string]struct{}{
		filepath.Dir(certPath): {},
		filepath.Dir(keyPath):  {},
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	kp.watcher = w
	go kp.run()

	logger.Info("serving TLS key pair",
		"cert", certPath, "fingerprint", kp.fingerprint())
	return kp, nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (kp *KeyPair) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	kp.mu.RLock()
	defer kp.mu.RUnlock()
	return kp.current, nil
}

// Reload re-reads the key pair from disk. On failure the previous
// certificate stays active.
func (kp *KeyPair) Reload() error {
	if err := kp.load(); err != nil {
		kp.logger.Error("TLS key pair reload failed, keeping previous",
			"error", err, "cert", kp.certPath)
		return err
	}
	kp.logger.Info("TLS key pair reloaded",
		"cert", kp.certPath, "fingerprint", kp.fingerprint())
	return nil
}

// Close stops the file watcher.
func (kp *KeyPair) Close() {
	close(kp.done)
	if kp.watcher != nil {
		kp.watcher.Close()
	}
}

func (kp *KeyPair) load() error {
	cert, err := tls.LoadX509KeyPair(kp.certPath, kp.keyPath)
	if err != nil {
		return err
	}
	kp.mu.Lock()
	kp.current = &cert
	kp.mu.Unlock()
	return nil
}

// fingerprint returns a short SHA-256 digest of the leaf certificate,
// for log correlation across rotations.
func (kp *KeyPair) fingerprint() string {
	kp.mu.RLock()
	defer kp.mu.RUnlock()
	if kp.current == nil || len(kp.current.Certificate) == 0 {
		return ""
	}
	sum := sha256.Sum256(kp.current.Certificate[0])
	return hex.EncodeToString(sum[:8])
}

func (kp *KeyPair) run() {
	var pending *time.Timer

	relevant := func(name string) bool {
		return name == kp.certPath || name == kp.keyPath
	}

	for {
		select {
		case ev, ok := <-kp.watcher.Events:
			if !ok {
				return
			}
			if !relevant(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, func() {
				kp.Reload() //nolint:errcheck
			})
		case err, ok := <-kp.watcher.Errors:
			if !ok {
				return
			}
			kp.logger.Error("TLS watcher error", "error", err)
		case <-kp.done:
			if pending != nil {
				pending.Stop()
			}
			return
		}
	}
}
