package imagestore

import (
	"context"
	"os"
	"path/filepath"
)

type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Put(ctx context.Context, name string, image []byte, metadata string) error {
	path := filepath.Join(s.root, name)
	if err := os.WriteFile(path, image, 0644); err != nil {
		return err
	}
	if metadata == "" {
		return nil
	}
	return os.WriteFile(path+".json", []byte(metadata), 0644)
}
