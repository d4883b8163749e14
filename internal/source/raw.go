package source

import (
	"fmt"
	"io"
	"os"
)

// RawBytesSource is anything that can hand over the complete bytes of one encoded
// image: an uploaded file, a browser capture, a file on disk.
type RawBytesSource interface {
	ReadAll() ([]byte, error)
	Name() string
}

type fileBytes struct{ path string }

// FileBytes reads an encoded image from disk.
func FileBytes(path string) RawBytesSource { return fileBytes{path: path} }

func (f fileBytes) ReadAll() ([]byte, error) { return os.ReadFile(f.path) }
func (f fileBytes) Name() string             { return f.path }

type readerBytes struct {
	name string
	r    io.Reader
	max  int64
}

// ReaderBytes reads an encoded image from r. A max of zero means unlimited.
func ReaderBytes(name string, r io.Reader, max int64) RawBytesSource {
	return readerBytes{name: name, r: r, max: max}
}

// UploadBytes adapts an uploaded multipart file (or any ReadCloser) and closes it after reading.
func UploadBytes(name string, f io.ReadCloser, max int64) RawBytesSource {
	return uploadBytes{readerBytes{name: name, r: f, max: max}, f}
}

func (r readerBytes) Name() string { return r.name }

func (r readerBytes) ReadAll() ([]byte, error) {
	if r.r == nil {
		return nil, fmt.Errorf("no data")
	}
	if r.max <= 0 {
		return io.ReadAll(r.r)
	}
	b, err := io.ReadAll(io.LimitReader(r.r, r.max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > r.max {
		return nil, fmt.Errorf("upload exceeds %d bytes", r.max)
	}
	return b, nil
}

type uploadBytes struct {
	readerBytes
	c io.Closer
}

func (u uploadBytes) ReadAll() ([]byte, error) {
	defer u.c.Close()
	return u.readerBytes.ReadAll()
}
