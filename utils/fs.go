package utils

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// MemorySink is an in-memory io.WriterAt. Writes at disjoint offsets may run
// concurrently; the buffer only grows under the write lock.
type MemorySink struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemorySink returns a sink pre-sized to size bytes.
func NewMemorySink(size int64) *MemorySink {
	return &MemorySink{data: make([]byte, size)}
}

// WriteAt implements io.WriterAt.
func (s *MemorySink) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	end := off + int64(len(p))

	s.mu.RLock()
	if end <= int64(len(s.data)) {
		n := copy(s.data[off:end], p)
		s.mu.RUnlock()
		return n, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if end > int64(len(s.data)) {
		grown := make([]byte, end)
		copy(grown, s.data)
		s.data = grown
	}
	return copy(s.data[off:end], p), nil
}

// Truncate resizes the buffer, zero-filling any new space.
func (s *MemorySink) Truncate(size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if size < int64(len(s.data)) {
		s.data = s.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, s.data)
	s.data = grown
	return nil
}

// Bytes returns a copy of the written content.
func (s *MemorySink) Bytes() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

// Len returns the current buffer size.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// FileOperations provides file system utilities over a billy filesystem so
// the same code drives the OS and in-memory test filesystems.
type FileOperations struct {
	fs  billy.Filesystem
	cwd string
}

// NewFileOperations works on the OS filesystem rooted at "/". Relative paths
// are resolved against the working directory at construction time.
func NewFileOperations() *FileOperations {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "/"
	}
	return &FileOperations{fs: osfs.New("/", osfs.WithBoundOS()), cwd: filepath.ToSlash(cwd)}
}

// NewFileOperationsFS works on the given filesystem.
func NewFileOperationsFS(fs billy.Filesystem) *FileOperations {
	return &FileOperations{fs: fs}
}

// Filesystem exposes the underlying filesystem.
func (f *FileOperations) Filesystem() billy.Filesystem {
	return f.fs
}

func (f *FileOperations) resolve(p string) string {
	if f.cwd == "" || path.IsAbs(p) {
		return p
	}
	return path.Join(f.cwd, p)
}

// EnsureDir creates the parent directory of path if it doesn't exist
func (f *FileOperations) EnsureDir(p string) error {
	dir := path.Dir(f.resolve(p))
	if dir == "." || dir == "/" || dir == "" {
		return nil
	}
	return f.fs.MkdirAll(dir, 0o755)
}

// FileExists checks if a file exists
func (f *FileOperations) FileExists(p string) bool {
	_, err := f.fs.Stat(f.resolve(p))
	return err == nil
}

// GetFileSize returns the size of a file
func (f *FileOperations) GetFileSize(p string) (int64, error) {
	info, err := f.fs.Stat(f.resolve(p))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ReadFile returns the content of p.
func (f *FileOperations) ReadFile(p string) ([]byte, error) {
	file, err := f.fs.Open(f.resolve(p))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

// Remove deletes p; a missing file is not an error.
func (f *FileOperations) Remove(p string) error {
	if err := f.fs.Remove(f.resolve(p)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// AtomicRename performs an atomic file rename operation
func (f *FileOperations) AtomicRename(oldPath, newPath string) error {
	return f.fs.Rename(f.resolve(oldPath), f.resolve(newPath))
}

// AtomicWriteFile writes data to a temporary file next to p and renames it
// over p, so readers never observe a partially written file.
func (f *FileOperations) AtomicWriteFile(p string, data []byte) (err error) {
	p = f.resolve(p)
	if err := f.EnsureDir(p); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", p, err)
	}

	tmp, err := util.TempFile(f.fs, path.Dir(p), "."+path.Base(p)+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = f.fs.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = f.fs.Rename(tmpName, p); err != nil {
		return fmt.Errorf("failed to replace %s: %w", p, err)
	}
	return nil
}

// OpenPartialFile opens (creating if needed) a partial download file and
// sizes it to size bytes. Existing content is kept so a download can resume.
func (f *FileOperations) OpenPartialFile(partPath string, size int64) (billy.File, error) {
	if err := f.EnsureDir(partPath); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	file, err := f.fs.OpenFile(f.resolve(partPath), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create partial file: %w", err)
	}
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to allocate file space: %w", err)
	}
	return file, nil
}

// ValidatePartialFile checks that a partial file exists and is not larger
// than the resource it is meant to hold.
func (f *FileOperations) ValidatePartialFile(partPath string, expectedSize int64) error {
	size, err := f.GetFileSize(partPath)
	if err != nil {
		return err
	}
	if size > expectedSize {
		return fmt.Errorf("partial file size (%d) exceeds expected size (%d)", size, expectedSize)
	}
	return nil
}

// FileSink adapts a billy.File to internal.Sink. Files that already support
// WriteAt are written concurrently; others are serialized through Seek+Write.
type FileSink struct {
	mu   sync.Mutex
	file billy.File
}

// NewFileSink wraps file.
func NewFileSink(file billy.File) *FileSink {
	return &FileSink{file: file}
}

// WriteAt implements io.WriterAt.
func (s *FileSink) WriteAt(p []byte, off int64) (int, error) {
	if wa, ok := s.file.(io.WriterAt); ok {
		return wa.WriteAt(p, off)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return s.file.Write(p)
}

// Truncate resizes the underlying file.
func (s *FileSink) Truncate(size int64) error {
	return s.file.Truncate(size)
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	return s.file.Close()
}
