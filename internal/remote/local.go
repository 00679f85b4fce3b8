package remote

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	billyutil "github.com/go-git/go-billy/v5/util"
)

// DirStore keeps objects as files in a directory tree, fanned out by the
// first two characters of the key to keep directories small. Writes go
// through a temp file and rename so readers never see a partial object.
type DirStore struct {
	fs billy.Filesystem
}

// NewDirStore returns a store rooted at the given filesystem. The root
// directory is created lazily on first Put.
func NewDirStore(fs billy.Filesystem) *DirStore {
	return &DirStore{fs: fs}
}

func (d *DirStore) objectPath(key string) string {
	if len(key) < 2 {
		return path.Join("_short", key)
	}
	return path.Join(key[:2], key)
}

func (d *DirStore) Put(ctx context.Context, key string, data []byte) error {
	p := d.objectPath(key)
	dir := path.Dir(p)
	if err := d.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("local put %s: %w", key, err)
	}
	tmp, err := billyutil.TempFile(d.fs, dir, ".tmp-")
	if err != nil {
		return fmt.Errorf("local put %s: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		d.fs.Remove(tmpName)
		return fmt.Errorf("local put %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		d.fs.Remove(tmpName)
		return fmt.Errorf("local put %s: %w", key, err)
	}
	if err := d.fs.Rename(tmpName, p); err != nil {
		d.fs.Remove(tmpName)
		return fmt.Errorf("local put %s: %w", key, err)
	}
	return nil
}

func (d *DirStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := billyutil.ReadFile(d.fs, d.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("local get %s: %w", key, ErrNoSuchObject)
		}
		return nil, fmt.Errorf("local get %s: %w", key, err)
	}
	return data, nil
}

func (d *DirStore) Delete(ctx context.Context, key string) error {
	err := d.fs.Remove(d.objectPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("local delete %s: %w", key, err)
	}
	return nil
}

// List walks the fanout tree and returns every key with the given prefix.
func (d *DirStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	dirs, err := d.fs.ReadDir(".")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("local list: %w", err)
	}
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		entries, err := d.fs.ReadDir(dir.Name())
		if err != nil {
			return nil, fmt.Errorf("local list %s: %w", dir.Name(), err)
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
				continue
			}
			if prefix == "" || strings.HasPrefix(e.Name(), prefix) {
				keys = append(keys, e.Name())
			}
		}
	}
	return keys, nil
}
