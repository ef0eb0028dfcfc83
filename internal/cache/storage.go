package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// defaultFetchConcurrency 限制 AddAll 并发回源数量。
const defaultFetchConcurrency = 8

// Storage 是生命周期控制器依赖的 store 适配层：在 Backend 之上提供按名称打开 store、
// 枚举/删除 store 以及跨 store 查找，并借助 Fetcher 实现 Add/AddAll。
type Storage struct {
	backend Backend
	fetcher Fetcher
	now     func() time.Time
}

// NewStorage 组合 Backend 与 Fetcher，二者都不能为空。
func NewStorage(backend Backend, fetcher Fetcher) (*Storage, error) {
	if backend == nil {
		return nil, errors.New("cache backend required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	return &Storage{backend: backend, fetcher: fetcher, now: time.Now}, nil
}

// Open 打开（必要时创建）指定名称的 store。
func (s *Storage) Open(ctx context.Context, name string) (*Handle, error) {
	if err := s.backend.Create(ctx, name); err != nil {
		return nil, fmt.Errorf("open store %s: %w", name, err)
	}
	return &Handle{name: name, storage: s}, nil
}

// Keys 返回所有 store 名称。
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	return s.backend.Names(ctx)
}

// Delete 删除整个 store，返回该 store 之前是否存在。
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	return s.backend.Drop(ctx, name)
}

// Match 依次在所有 store 中查找请求对应的条目，首个命中即返回；全部未命中返回 ErrNotFound。
func (s *Storage) Match(ctx context.Context, req *Request) (*Response, error) {
	resp, _, err := s.Lookup(ctx, req, nil)
	return resp, err
}

// Lookup 与 Match 相同，但只查找 accept 返回 true 的 store，并返回命中的 store 名称。
// accept 为空时查找全部 store。
func (s *Storage) Lookup(ctx context.Context, req *Request, accept func(name string) bool) (*Response, string, error) {
	names, err := s.backend.Names(ctx)
	if err != nil {
		return nil, "", err
	}
	key := req.Key()
	for _, name := range names {
		if accept != nil && !accept(name) {
			continue
		}
		resp, err := s.backend.Get(ctx, name, key)
		switch {
		case err == nil:
			return resp, name, nil
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrStoreNotFound):
			// store 可能在枚举后被并发删除，继续查找下一个
		default:
			return nil, "", fmt.Errorf("match in store %s: %w", name, err)
		}
	}
	return nil, "", ErrNotFound
}

// Fetch 直接使用网络能力获取响应，不写入任何 store。传输层失败统一包装为 *FetchError。
func (s *Storage) Fetch(ctx context.Context, req *Request) (*Response, error) {
	resp, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) {
			return nil, err
		}
		return nil, &FetchError{URL: req.Key(), Err: err}
	}
	if resp == nil {
		return nil, &FetchError{URL: req.Key(), Err: errors.New("empty response")}
	}
	return resp, nil
}

// Close 关闭底层 Backend。
func (s *Storage) Close() error {
	return s.backend.Close()
}

// Handle 指向一个已打开的 store。
type Handle struct {
	name    string
	storage *Storage
}

// Name 返回 store 名称。
func (h *Handle) Name() string {
	return h.name
}

// Match 只在当前 store 中查找。
func (h *Handle) Match(ctx context.Context, req *Request) (*Response, error) {
	return h.storage.backend.Get(ctx, h.name, req.Key())
}

// Put 写入条目；同一请求键的重复写入以最后一次为准。
func (h *Handle) Put(ctx context.Context, req *Request, resp *Response) error {
	if req.Method != http.MethodGet {
		return ErrUnsupportedMethod
	}
	if resp == nil {
		return errors.New("nil response")
	}
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = h.storage.now().UTC()
	}
	if stored.URL == "" {
		stored.URL = req.Key()
	}
	return h.storage.backend.Put(ctx, h.name, req.Key(), stored)
}

// Add 回源获取请求并写入当前 store。非 2xx 响应视为失败，不会写入。
func (h *Handle) Add(ctx context.Context, req *Request) error {
	resp, err := h.fetchOK(ctx, req)
	if err != nil {
		return err
	}
	return h.Put(ctx, req, resp)
}

// AddAll 并发回源全部请求，只有全部成功后才开始写入；任意一个获取失败则不写入任何条目，
// 写入中途失败则撤销本次已写入的条目。
func (h *Handle) AddAll(ctx context.Context, reqs []*Request) error {
	for _, req := range reqs {
		if req.Method != http.MethodGet {
			return ErrUnsupportedMethod
		}
	}

	responses := make([]*Response, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultFetchConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := h.fetchOK(gctx, req)
			if err != nil {
				return err
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// 写入阶段失败时按相反顺序撤销本次已写入的条目，恢复写入前的内容。
	undo := make([]func(context.Context) error, 0, len(reqs))
	for i, req := range reqs {
		restore, err := h.snapshot(ctx, req)
		if err == nil {
			err = h.Put(ctx, req, responses[i])
		}
		if err != nil {
			putErr := fmt.Errorf("put %s: %w", req.Key(), err)
			for j := len(undo) - 1; j >= 0; j-- {
				if rbErr := undo[j](context.WithoutCancel(ctx)); rbErr != nil {
					return errors.Join(putErr, fmt.Errorf("rollback: %w", rbErr))
				}
			}
			return putErr
		}
		undo = append(undo, restore)
	}
	return nil
}

// snapshot 记录条目写入前的状态，返回把条目恢复到该状态的函数。
func (h *Handle) snapshot(ctx context.Context, req *Request) (func(context.Context) error, error) {
	backend, key := h.storage.backend, req.Key()
	prev, err := backend.Get(ctx, h.name, key)
	switch {
	case err == nil:
		return func(ctx context.Context) error { return backend.Put(ctx, h.name, key, prev) }, nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrStoreNotFound):
		return func(ctx context.Context) error { return backend.Remove(ctx, h.name, key) }, nil
	default:
		return nil, err
	}
}

func (h *Handle) fetchOK(ctx context.Context, req *Request) (*Response, error) {
	resp, err := h.storage.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &FetchError{URL: req.Key(), Status: resp.Status, Response: resp}
	}
	return resp, nil
}
