package disk

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dsnet/golib/memfile"
)

type blockFile interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Size() int64
	Close() error
}

// fileSystem is where a DiskManagerImpl keeps its files.
type fileSystem interface {
	Open(name string) (blockFile, error)
	Exists(name string) bool
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
	Remove(name string) error
	List(suffix string) ([]string, error)
}

type osFileSystem struct {
	dir string
}

type osBlockFile struct {
	*os.File
}

func (f osBlockFile) Size() int64 {
	fi, err := f.Stat()
	if err != nil {
		return -1
	}
	return fi.Size()
}

func newOSFileSystem(dir string) (*osFileSystem, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &osFileSystem{dir}, nil
}

func (fs *osFileSystem) Open(name string) (blockFile, error) {
	f, err := os.OpenFile(filepath.Join(fs.dir, name), os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}
	return osBlockFile{f}, nil
}

func (fs *osFileSystem) Exists(name string) bool {
	_, err := os.Stat(filepath.Join(fs.dir, name))
	return err == nil
}

func (fs *osFileSystem) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(fs.dir, name))
}

// WriteFile replaces the file through a synced temporary and a rename.
func (fs *osFileSystem) WriteFile(name string, data []byte) error {
	tmp := filepath.Join(fs.dir, name+".tmp")
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, filepath.Join(fs.dir, name))
}

func (fs *osFileSystem) Remove(name string) error {
	err := os.Remove(filepath.Join(fs.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (fs *osFileSystem) List(suffix string) ([]string, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0)
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// MemFileSystem keeps files in memory. It outlives the managers opened on
// it, so a test can close a manager and reopen the same files.
type MemFileSystem struct {
	mutex sync.Mutex
	files map[string]*memBlockFile
}

type memBlockFile struct {
	mutex sync.Mutex
	f     *memfile.File
}

func NewMemFileSystem() *MemFileSystem {
	return &MemFileSystem{files: make(map[string]*memBlockFile)}
}

func (f *memBlockFile) ReadAt(p []byte, off int64) (int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.f.ReadAt(p, off)
}

func (f *memBlockFile) WriteAt(p []byte, off int64) (int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.f.WriteAt(p, off)
}

func (f *memBlockFile) Size() int64 {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return int64(len(f.f.Bytes()))
}

func (f *memBlockFile) Sync() error  { return nil }
func (f *memBlockFile) Close() error { return nil }

func (fs *MemFileSystem) Open(name string) (blockFile, error) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	f, ok := fs.files[name]
	if !ok {
		f = &memBlockFile{f: memfile.New(make([]byte, 0))}
		fs.files[name] = f
	}
	return f, nil
}

func (fs *MemFileSystem) Exists(name string) bool {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	_, ok := fs.files[name]
	return ok
}

func (fs *MemFileSystem) ReadFile(name string) ([]byte, error) {
	fs.mutex.Lock()
	f, ok := fs.files[name]
	fs.mutex.Unlock()
	if !ok {
		return nil, os.ErrNotExist
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]byte(nil), f.f.Bytes()...), nil
}

func (fs *MemFileSystem) WriteFile(name string, data []byte) error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	fs.files[name] = &memBlockFile{f: memfile.New(append([]byte(nil), data...))}
	return nil
}

func (fs *MemFileSystem) Remove(name string) error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	delete(fs.files, name)
	return nil
}

func (fs *MemFileSystem) List(suffix string) ([]string, error) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	names := make([]string, 0)
	for name := range fs.files {
		if strings.HasSuffix(name, suffix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
