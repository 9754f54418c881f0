package connector

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// localStore reads files from a local directory. Used for dropped-off claim
// files and in tests as the reference ObjectStore.
type localStore struct {
	root        string
	archivePath string
}

func newLocalStore(b *Base) (*localStore, error) {
	root := b.configString("path", "")
	if root == "" {
		return nil, &ConfigurationError{Field: "path", Reason: "required"}
	}
	return &localStore{
		root:        root,
		archivePath: b.configString("archive_path", ""),
	}, nil
}

func (s *localStore) Connect(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New(s.root + " is not a directory")
	}
	return nil
}

func (s *localStore) Close() error { return nil }

func (s *localStore) List(ctx context.Context) ([]ObjectInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var objects []ObjectInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		objects = append(objects, ObjectInfo{
			Key:     filepath.Join(s.root, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return objects, nil
}

func (s *localStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return os.Open(key)
}

func (s *localStore) Archive(ctx context.Context, key string) error {
	if s.archivePath == "" {
		return nil
	}
	if err := os.MkdirAll(s.archivePath, 0o755); err != nil {
		return err
	}
	return os.Rename(key, filepath.Join(s.archivePath, filepath.Base(key)))
}
