// Package nativefile is a thin, reference-counted wrapper over local scratch
// files: platform-uniform pread/pwrite, allocate, truncate and fsync.
// Reads and writes loop until the full length is transferred or a hard error
// occurs; short I/O from the OS is never surfaced to the caller.
package nativefile

import (
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"

	apierrors "github.com/repertory/repertory/pkg/errors"
)

// File is a reference-counted handle over an open scratch file. Multiple
// owners may Attach to the same underlying descriptor; the descriptor is
// closed only when the last owner calls Close.
type File struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	refCount *int32
	autoClose bool
}

// CreateOrOpen opens path for read/write, creating it if absent. The
// returned File owns a single reference.
func CreateOrOpen(path string) (*File, error) {
	return open(path, os.O_RDWR|os.O_CREATE, false)
}

// Open opens an existing path. If readOnly is true no write access is
// requested.
func Open(path string, readOnly bool) (*File, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	return open(path, flags, readOnly)
}

func open(path string, flags int, readOnly bool) (*File, error) {
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, apierrors.ErrOSError.WithCause(err).WithOperation("open").WithContext("path", path)
	}
	count := int32(1)
	return &File{f: f, path: path, refCount: &count, autoClose: true}, nil
}

// Attach wraps an already-open *os.File without taking ownership of its
// lifecycle beyond this File's own ref count.
func Attach(f *os.File, path string) *File {
	count := int32(1)
	return &File{f: f, path: path, refCount: &count, autoClose: true}
}

// Clone returns a new owner of the same underlying descriptor, incrementing
// the shared reference count. Closing either owner independently decrements
// the count; the descriptor closes when it reaches zero.
func (nf *File) Clone() *File {
	atomic.AddInt32(nf.refCount, 1)
	return &File{f: nf.f, path: nf.path, refCount: nf.refCount, autoClose: nf.autoClose}
}

// SetAutoClose controls whether Close actually closes the descriptor once
// the ref count reaches zero, or merely decrements it.
func (nf *File) SetAutoClose(b bool) {
	nf.mu.Lock()
	defer nf.mu.Unlock()
	nf.autoClose = b
}

// Path returns the scratch file's local path.
func (nf *File) Path() string { return nf.path }

// Handle returns the underlying descriptor.
func (nf *File) Handle() *os.File { return nf.f }

// ReadAt performs a full pread loop at off, returning the exact number of
// bytes transferred. Reading past EOF yields n < len(buf) with no error.
func (nf *File) ReadAt(buf []byte, off int64) (int, error) {
	nf.mu.Lock()
	defer nf.mu.Unlock()

	total := 0
	for total < len(buf) {
		n, err := nf.f.ReadAt(buf[total:], off+int64(total))
		total += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, apierrors.ErrOSError.WithCause(err).WithOperation("read_at").WithContext("path", nf.path)
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// WriteAt performs a full pwrite loop at off.
func (nf *File) WriteAt(buf []byte, off int64) (int, error) {
	nf.mu.Lock()
	defer nf.mu.Unlock()

	total := 0
	for total < len(buf) {
		n, err := nf.f.WriteAt(buf[total:], off+int64(total))
		total += n
		if err != nil {
			return total, apierrors.ErrOSError.WithCause(err).WithOperation("write_at").WithContext("path", nf.path)
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// Allocate grows the file to size. On Linux it uses fallocate, which
// reserves the blocks, with Truncate as the fallback; other platforms use
// Truncate, which is sparse on common filesystems (ext4, APFS, NTFS).
func (nf *File) Allocate(size int64) error {
	nf.mu.Lock()
	defer nf.mu.Unlock()
	if err := allocate(nf.f, size); err != nil {
		return apierrors.ErrOSError.WithCause(err).WithOperation("allocate").WithContext("path", nf.path)
	}
	return nil
}

// Truncate sets the file's size, extending with zeros or discarding the
// tail as needed.
func (nf *File) Truncate(size int64) error {
	nf.mu.Lock()
	defer nf.mu.Unlock()
	if err := nf.f.Truncate(size); err != nil {
		return apierrors.ErrOSError.WithCause(err).WithOperation("truncate").WithContext("path", nf.path)
	}
	return nil
}

// Size returns the current file size.
func (nf *File) Size() (int64, error) {
	nf.mu.Lock()
	defer nf.mu.Unlock()
	fi, err := nf.f.Stat()
	if err != nil {
		return 0, apierrors.ErrOSError.WithCause(err).WithOperation("stat").WithContext("path", nf.path)
	}
	return fi.Size(), nil
}

// Flush fsyncs the file to stable storage.
func (nf *File) Flush() error {
	nf.mu.Lock()
	defer nf.mu.Unlock()
	if err := nf.f.Sync(); err != nil {
		return apierrors.ErrOSError.WithCause(err).WithOperation("flush").WithContext("path", nf.path)
	}
	return nil
}

// CopyFrom copies the full contents of src into nf, overwriting nf's
// current contents from offset 0.
func (nf *File) CopyFrom(src *File) error {
	size, err := src.Size()
	if err != nil {
		return err
	}
	const bufSize = 1 << 20
	buf := make([]byte, bufSize)
	var off int64
	for off < size {
		n, err := src.ReadAt(buf, off)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		if _, err := nf.WriteAt(buf[:n], off); err != nil {
			return err
		}
		off += int64(n)
	}
	return nf.Truncate(size)
}

// Close decrements the reference count and closes the descriptor once it
// reaches zero, unless auto-close has been disabled.
func (nf *File) Close() error {
	if atomic.AddInt32(nf.refCount, -1) > 0 {
		return nil
	}
	nf.mu.Lock()
	autoClose := nf.autoClose
	nf.mu.Unlock()
	if !autoClose {
		return nil
	}
	if err := nf.f.Close(); err != nil {
		return apierrors.ErrOSError.WithCause(err).WithOperation("close").WithContext("path", nf.path)
	}
	return nil
}
