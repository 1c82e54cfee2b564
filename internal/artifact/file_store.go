package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore 以 JSON 文件保存产物，按 task_id 哈希分两级目录
type FileStore struct {
	dir string
}

// NewFileStore creates a file store rooted at dir
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact dir is empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Path 返回产物文件路径: {dir}/{hash[0:2]}/{hash[2:4]}/{task_id}.json
func (s *FileStore) Path(taskID string) string {
	sum := sha256.Sum256([]byte(taskID))
	hash := hex.EncodeToString(sum[:])
	return filepath.Join(s.dir, hash[:2], hash[2:4], sanitizeName(taskID)+".json")
}

// SaveBatch writes every artifact, stopping at the first failure
func (s *FileStore) SaveBatch(ctx context.Context, items []*Artifact) error {
	for _, a := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.save(a); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) save(a *Artifact) error {
	path := s.Path(a.TaskID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal artifact %s: %w", a.TaskID, err)
	}

	// 先写临时文件再 rename，读方不会看到半个文件
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Load 读取单个产物
func (s *FileStore) Load(taskID string) (*Artifact, error) {
	data, err := os.ReadFile(s.Path(taskID))
	if err != nil {
		return nil, err
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", taskID, err)
	}
	return &a, nil
}

// Close is a no-op for the file store
func (s *FileStore) Close() error {
	return nil
}

func sanitizeName(name string) string {
	if name == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
