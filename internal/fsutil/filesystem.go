// Package fsutil provides filesystem abstractions for testability.
package fsutil

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileSystem abstracts the filesystem operations the dataset writer needs.
// Use OSFileSystem for production; MemoryFileSystem for testing.
type FileSystem interface {
	// ReadFile reads the named file and returns its contents.
	ReadFile(name string) ([]byte, error)

	// WriteFile replaces the named file with data. Readers never observe a
	// partially written file.
	WriteFile(name string, data []byte, perm os.FileMode) error

	// Append opens the named file for appending, creating it if necessary.
	// Each Write call on the returned writer is applied as a unit.
	Append(name string) (io.WriteCloser, error)

	// MkdirAll creates a directory and all necessary parents.
	MkdirAll(path string, perm os.FileMode) error

	// Exists checks if a file or directory exists.
	Exists(name string) bool
}

// OSFileSystem implements FileSystem using the os package.
type OSFileSystem struct{}

// ReadFile reads the named file.
func (OSFileSystem) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

// WriteFile writes data to a temporary file in the same directory and renames
// it over name.
func (OSFileSystem) WriteFile(name string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(name)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(name)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, name)
}

// Append opens name with O_APPEND.
func (OSFileSystem) Append(name string) (io.WriteCloser, error) {
	return os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// MkdirAll creates directories.
func (OSFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Exists checks if a file or directory exists.
func (OSFileSystem) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// MemoryFileSystem implements FileSystem in memory for testing.
type MemoryFileSystem struct {
	mu       sync.RWMutex
	files    map[string][]byte
	dirs     map[string]bool
	writeErr error
}

// NewMemoryFileSystem creates a new in-memory filesystem.
func NewMemoryFileSystem() *MemoryFileSystem {
	return &MemoryFileSystem{
		files: make(map[string][]byte),
		dirs:  make(map[string]bool),
	}
}

// FailWrites makes every subsequent write return err. Pass nil to clear.
func (m *MemoryFileSystem) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// ReadFile reads a file's contents.
func (m *MemoryFileSystem) ReadFile(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name = filepath.Clean(name)
	data, ok := m.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: name, Err: fs.ErrNotExist}
	}

	result := make([]byte, len(data))
	copy(result, data)
	return result, nil
}

// WriteFile writes data to a file.
func (m *MemoryFileSystem) WriteFile(name string, data []byte, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeErr != nil {
		return &fs.PathError{Op: "write", Path: name, Err: m.writeErr}
	}
	name = filepath.Clean(name)
	if err := m.checkParent(name); err != nil {
		return err
	}
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	m.files[name] = dataCopy
	return nil
}

// Append opens a file for appending.
func (m *MemoryFileSystem) Append(name string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name = filepath.Clean(name)
	if err := m.checkParent(name); err != nil {
		return nil, err
	}
	if _, ok := m.files[name]; !ok {
		m.files[name] = []byte{}
	}
	return &memAppender{fs: m, name: name}, nil
}

// MkdirAll creates directories.
func (m *MemoryFileSystem) MkdirAll(path string, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path = filepath.Clean(path)
	for p := path; p != "." && p != "/"; p = filepath.Dir(p) {
		m.dirs[p] = true
		if filepath.Dir(p) == p {
			break
		}
	}
	return nil
}

// Exists checks if a file or directory exists.
func (m *MemoryFileSystem) Exists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name = filepath.Clean(name)
	if _, ok := m.files[name]; ok {
		return true
	}
	return m.dirs[name]
}

// Files lists every file under dir, sorted.
func (m *MemoryFileSystem) Files(dir string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dir = filepath.Clean(dir)
	var out []string
	for name := range m.files {
		if strings.HasPrefix(name, dir+string(filepath.Separator)) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// checkParent must be called with the lock held.
func (m *MemoryFileSystem) checkParent(name string) error {
	parent := filepath.Dir(name)
	if parent == "." || parent == "/" || m.dirs[parent] {
		return nil
	}
	return &fs.PathError{Op: "open", Path: name, Err: fmt.Errorf("parent directory: %w", fs.ErrNotExist)}
}

// memAppender writes through to the backing map on every Write.
type memAppender struct {
	fs     *MemoryFileSystem
	name   string
	closed bool
}

func (a *memAppender) Write(p []byte) (int, error) {
	a.fs.mu.Lock()
	defer a.fs.mu.Unlock()

	if a.closed {
		return 0, fs.ErrClosed
	}
	if a.fs.writeErr != nil {
		return 0, &fs.PathError{Op: "write", Path: a.name, Err: a.fs.writeErr}
	}
	a.fs.files[a.name] = append(a.fs.files[a.name], p...)
	return len(p), nil
}

func (a *memAppender) Close() error {
	a.fs.mu.Lock()
	defer a.fs.mu.Unlock()
	a.closed = true
	return nil
}
