package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

const (
	fileExt   = ".json"
	tmpPrefix = ".kv-tmp-"
)

// FileKV is a layout.KV keeping one file per key in a directory. Writes are
// atomic and keep the previous value as a .bak file.
type FileKV struct {
	dir       string
	namespace string
	mu        *sync.Mutex
}

// NewFileKV creates the directory if needed.
func NewFileKV(dir string) (*FileKV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating kv directory: %w", err)
	}
	return &FileKV{dir: dir, mu: &sync.Mutex{}}, nil
}

// Namespace returns a store whose keys are prefixed with ns.
func (k *FileKV) Namespace(ns string) *FileKV {
	return &FileKV{dir: k.dir, namespace: k.namespace + ns + ":", mu: k.mu}
}

// FileKey returns the name Watch reports for key.
func (k *FileKV) FileKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, k.namespace+key)
}

func (k *FileKV) path(key string) string {
	return filepath.Join(k.dir, k.FileKey(key)+fileExt)
}

func (k *FileKV) Get(_ context.Context, key string) (string, bool, error) {
	data, err := os.ReadFile(k.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, domain.Transient("kv get", err)
	}
	return string(data), true, nil
}

func (k *FileKV) Set(_ context.Context, key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := atomicWrite(k.path(key), []byte(value)); err != nil {
		return domain.Transient("kv set", err)
	}
	return nil
}

// Ping checks that the directory is reachable.
func (k *FileKV) Ping(context.Context) error {
	_, err := os.Stat(k.dir)
	return err
}

func atomicWrite(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// Watcher reports keys rewritten in a FileKV directory, including writes by
// other processes.
type Watcher struct {
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
}

// Watch calls fn with the FileKey of every key written under the directory
// until ctx is done or Stop is called.
func (k *FileKV) Watch(ctx context.Context, fn func(key string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(k.dir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	w := &Watcher{watcher: fw, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
	go w.run(ctx, fn)
	return w, nil
}

// Stop ends the watch and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
		<-w.doneCh
		if err := w.watcher.Close(); err != nil {
			log.WithError(err).Warn("closing kv watcher")
		}
	})
}

func (w *Watcher) run(ctx context.Context, fn func(string)) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			name := filepath.Base(ev.Name)
			if strings.HasPrefix(name, tmpPrefix) || !strings.HasSuffix(name, fileExt) {
				continue
			}
			fn(strings.TrimSuffix(name, fileExt))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("kv watcher error")
		}
	}
}
