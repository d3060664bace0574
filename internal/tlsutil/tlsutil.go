// Package tlsutil serves the HTTPS certificate and reloads it when the files
// on disk change.
package tlsutil

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Reloader holds the current key pair. It watches the directories of the
// certificate and key rather than the files themselves, so rotations that
// replace a file by rename are seen too. A failed reload keeps the previous
// pair in service.
type Reloader struct {
	certPath string
	keyPath  string

	mu   sync.RWMutex
	cert *tls.Certificate

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	// reloaded receives a value after every successful reload; tests use it.
	reloaded chan struct{}
}

// NewReloader loads the key pair and starts watching for changes.
func NewReloader(certPath, keyPath string) (*Reloader, error) {
	r := &Reloader{
		certPath: filepath.Clean(certPath),
		keyPath:  filepath.Clean(keyPath),
		done:     make(chan struct{}),
		reloaded: make(chan struct{}, 1),
	}

	if err := r.load(); err != nil {
		return nil, fmt.Errorf("initial certificate load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	r.watcher = watcher

	dirs := map[string]bool{
		filepath.Dir(r.certPath): true,
		filepath.Dir(r.keyPath):  true,
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	r.wg.Add(1)
	go r.watchLoop()
	return r, nil
}

func (r *Reloader) load() error {
	cert, err := tls.LoadX509KeyPair(r.certPath, r.keyPath)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()
	return nil
}

func (r *Reloader) relevant(name string) bool {
	name = filepath.Clean(name)
	return name == r.certPath || name == r.keyPath
}

func (r *Reloader) watchLoop() {
	defer r.wg.Done()
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !r.relevant(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Cert and key are usually replaced one after the other; the
			// first event may see a mismatched pair. The next one fixes it.
			if err := r.load(); err != nil {
				slog.Warn("certificate reload failed, keeping previous", "file", event.Name, "error", err)
				continue
			}
			slog.Info("certificate reloaded", "file", event.Name)
			select {
			case r.reloaded <- struct{}{}:
			default:
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("certificate watcher error", "error", err)
		case <-r.done:
			return
		}
	}
}

// GetCertificate returns the current certificate. Suitable for use as
// tls.Config.GetCertificate callback.
func (r *Reloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

// ServerConfig returns a TLS configuration for the HTTP listener that always
// presents the latest certificate.
func (r *Reloader) ServerConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: r.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

// Close stops the file watcher.
func (r *Reloader) Close() error {
	close(r.done)
	err := r.watcher.Close()
	r.wg.Wait()
	return err
}
