package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// NewFileBackend 以 basePath 为根目录构建磁盘 Backend，整站复用一份实例。磁盘布局：
//
//	<basePath>/<escaped store name>/<sha1(key)>.entry
func NewFileBackend(basePath string) (Backend, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileBackend{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileBackend 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
// storeMu 让 Drop 与条目写入互斥，被删除的 store 不会残留删除期间写入的条目。
type fileBackend struct {
	basePath string

	storeMu sync.RWMutex
	mu      sync.Mutex
	locks   map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileBackend) Create(ctx context.Context, name string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *fileBackend) Names(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileBackend) Drop(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return false, err
	}
	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	// 先改名再删除，避免删除过程中被 Names 列出半个目录。
	trash, err := os.MkdirTemp(s.basePath, ".drop-*")
	if err != nil {
		return false, err
	}
	target := filepath.Join(trash, "store")
	if err := os.Rename(dir, target); err != nil {
		os.RemoveAll(trash)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileBackend) Get(ctx context.Context, name, key string) (*Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	dir, err := s.storeDir(name)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, ErrStoreNotFound
	}

	filePath := s.entryPath(dir, key)
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	b, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeEntry(b)
}

func (s *fileBackend) Put(ctx context.Context, name, key string, resp *Response) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return err
	}
	s.storeMu.RLock()
	defer s.storeMu.RUnlock()
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return ErrStoreNotFound
	}

	unlock := s.lockEntry(name, key)
	defer unlock()

	payload, err := encodeEntry(key, resp)
	if err != nil {
		return err
	}

	filePath := s.entryPath(dir, key)
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileBackend) Remove(ctx context.Context, name, key string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return err
	}
	s.storeMu.RLock()
	defer s.storeMu.RUnlock()

	unlock := s.lockEntry(name, key)
	defer unlock()
	if err := os.Remove(s.entryPath(dir, key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileBackend) Close() error {
	return nil
}

func (s *fileBackend) lockEntry(name, key string) func() {
	lockKey := name + "::" + key
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func (s *fileBackend) storeDir(name string) (string, error) {
	if err := validateStoreName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, url.PathEscape(name))
	if filepath.Dir(dir) != s.basePath {
		return "", fmt.Errorf("%w: %q", ErrInvalidStoreName, name)
	}
	return dir, nil
}

func (s *fileBackend) entryPath(dir, key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(dir, hex.EncodeToString(sum[:])+".entry")
}
