package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// leveldb 键布局：
//
//	s:<store>             -> store 标记
//	e:<store>\x00<key>    -> gob 编码的条目
const (
	levelStorePrefix = "s:"
	levelEntryPrefix = "e:"
)

// NewLevelBackend 打开（或创建）path 下的 leveldb 数据库作为 Backend。
func NewLevelBackend(path string) (Backend, error) {
	if path == "" {
		return nil, errors.New("storage path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &levelBackend{db: db}, nil
}

// levelBackend 中 Put/Remove 持读锁，Create/Drop 持写锁：标记检查与条目写入之间
// 不会插入 Drop，删除后的 store 不会留下孤立的 e: 条目。
type levelBackend struct {
	mu sync.RWMutex
	db *leveldb.DB
}

func (l *levelBackend) Create(ctx context.Context, name string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := validateStoreName(name); err != nil {
		return err
	}
	marker := []byte(levelStorePrefix + name)
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, err := l.db.Has(marker, nil)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return l.db.Put(marker, []byte{1}, nil)
}

func (l *levelBackend) Names(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	it := l.db.NewIterator(util.BytesPrefix([]byte(levelStorePrefix)), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(it.Key()[len(levelStorePrefix):]))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (l *levelBackend) Drop(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	if err := validateStoreName(name); err != nil {
		return false, err
	}
	marker := []byte(levelStorePrefix + name)
	l.mu.Lock()
	defer l.mu.Unlock()
	existed, err := l.db.Has(marker, nil)
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(marker)
	it := l.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		key := append([]byte(nil), it.Key()...)
		batch.Delete(key)
		existed = true
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := l.db.Write(batch, nil); err != nil {
		return false, err
	}
	return existed, nil
}

func (l *levelBackend) Get(ctx context.Context, name, key string) (*Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := validateStoreName(name); err != nil {
		return nil, err
	}
	ok, err := l.db.Has([]byte(levelStorePrefix+name), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrStoreNotFound
	}
	b, err := l.db.Get(entryKey(name, key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeEntry(b)
}

func (l *levelBackend) Put(ctx context.Context, name, key string, resp *Response) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := validateStoreName(name); err != nil {
		return err
	}
	payload, err := encodeEntry(key, resp)
	if err != nil {
		return err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	ok, err := l.db.Has([]byte(levelStorePrefix+name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStoreNotFound
	}
	return l.db.Put(entryKey(name, key), payload, nil)
}

func (l *levelBackend) Remove(ctx context.Context, name, key string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := validateStoreName(name); err != nil {
		return err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.db.Delete(entryKey(name, key), nil)
}

func (l *levelBackend) Close() error {
	return l.db.Close()
}

func entryPrefix(name string) []byte {
	return []byte(levelEntryPrefix + name + "\x00")
}

func entryKey(name, key string) []byte {
	return append(entryPrefix(name), key...)
}
