package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Backend 是底层的键值 blob 存储，每个 store 名称对应一个独立的命名空间：
//
//	<store name>/<request key> -> Response
//
// 实现必须支持并发调用；同一 key 的并发 Put 以最后一次写入为准。
type Backend interface {
	// Create 确保 store 存在，已存在时不做任何修改。
	Create(ctx context.Context, name string) error

	// Names 返回当前所有 store 名称，按字典序排列。
	Names(ctx context.Context) ([]string, error)

	// Drop 删除整个 store 及其全部条目，返回该 store 之前是否存在。
	Drop(ctx context.Context, name string) (bool, error)

	// Get 读取条目；store 不存在返回 ErrStoreNotFound，条目不存在返回 ErrNotFound。
	Get(ctx context.Context, name, key string) (*Response, error)

	// Put 原子写入条目，失败时不得留下半成品。
	Put(ctx context.Context, name, key string, resp *Response) error

	// Remove 删除单个条目；条目或 store 不存在时视为成功。
	Remove(ctx context.Context, name, key string) error

	// Close 释放底层资源。
	Close() error
}

// Fetcher 代表网络能力：根据请求取回一份完整响应。传输层失败返回 *FetchError。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc 允许直接以函数实现 Fetcher，测试中常用。
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch 实现 Fetcher。
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

var (
	// ErrNotFound 表示条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStoreNotFound 表示 store 不存在。
	ErrStoreNotFound = errors.New("cache store not found")
	// ErrInvalidStoreName 表示 store 名称为空或包含路径分隔符。
	ErrInvalidStoreName = errors.New("invalid cache store name")
	// ErrUnsupportedMethod 表示只有 GET 请求可以写入缓存。
	ErrUnsupportedMethod = errors.New("only GET requests can be cached")
)

// FetchError 描述一次失败的网络获取。Status 为 0 表示传输层失败，否则为上游返回的非 2xx 状态。
type FetchError struct {
	URL      string
	Status   int
	Response *Response
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transport 报告失败是否发生在传输层（无任何响应）。
func (e *FetchError) Transport() bool {
	return e.Status == 0
}

// Request 是一次被拦截请求的逻辑记录，仅在单次拦截期间存在，不会被持久化。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
}

// NewRequest 解析 rawURL 并构造 Request；header 为空时自动初始化。
func NewRequest(method, rawURL string, header http.Header) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if header == nil {
		header = http.Header{}
	}
	if method == "" {
		method = http.MethodGet
	}
	CanonicalizeURL(u)
	return &Request{Method: strings.ToUpper(method), URL: u, Header: header}, nil
}

var defaultPorts = map[string]string{"http": "80", "https": "443"}

// CanonicalizeURL 原地规范化 scheme 与 host：统一小写，并去掉与 scheme 对应的默认端口。
// 过滤器的同源判断与条目键都基于规范化后的 URL。
func CanonicalizeURL(u *url.URL) {
	if u == nil {
		return
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if port := u.Port(); port != "" && defaultPorts[u.Scheme] == port {
		host = strings.ToLower(u.Hostname())
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
	}
	u.Host = host
}

// Key 返回条目在 store 内的键：去掉 fragment 的完整 URL。
func (r *Request) Key() string {
	if r == nil || r.URL == nil {
		return ""
	}
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// Accept 返回请求声明的 Accept 头。
func (r *Request) Accept() string {
	if r == nil || r.Header == nil {
		return ""
	}
	return r.Header.Get("Accept")
}

// Response 是 store 中保存的响应 blob，条目没有独立过期时间，有效性完全由所在 store 决定。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	URL      string
	StoredAt time.Time
}

// OK 报告状态码是否为 2xx。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// ContentType 返回响应的 Content-Type 头。
func (r *Response) ContentType() string {
	if r == nil || r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// Clone 深拷贝响应，避免调用方修改已缓存的数据。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	cloned.Body = append([]byte(nil), r.Body...)
	return &cloned
}

func validateStoreName(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, "/\\\x00") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidStoreName, name)
	}
	return nil
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
