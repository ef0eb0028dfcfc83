package filter

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/any-hub/vcache/internal/cache"
	"github.com/any-hub/vcache/internal/config"
)

// Filter 判断请求是否进入缓存流程：路径命中、同源、GET 三者同时成立。
type Filter struct {
	origin   string
	basePath string
	paths    map[string]struct{}
	pattern  *regexp.Regexp
}

// New 以显式参数构造 Filter，origin 形如 https://a.test，pattern 可为空。
func New(origin, basePath string, paths []string, pattern string) (*Filter, error) {
	o, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("filter: parse origin: %w", err)
	}
	if o.Scheme == "" || o.Host == "" {
		return nil, fmt.Errorf("filter: invalid origin %q", origin)
	}

	f := &Filter{
		origin:   originOf(o),
		basePath: strings.TrimRight(basePath, "/"),
		paths:    make(map[string]struct{}, len(paths)),
	}
	for _, p := range paths {
		f.paths[config.NormalizePath(p)] = struct{}{}
	}
	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("filter: compile pattern: %w", err)
		}
		f.pattern = re
	}
	return f, nil
}

// FromConfig 使用 [Cache] 段落构造 Filter。
func FromConfig(c config.CacheConfig) (*Filter, error) {
	return New(c.Origin, c.BasePath, c.PrecachePaths, c.PrecachePattern)
}

// IsCacheable 同时校验三个条件。
func (f *Filter) IsCacheable(req *cache.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	return f.SafeMethod(req.Method) && f.SameOrigin(req.URL) && f.MatchesPath(req.URL)
}

// MatchesPath 去掉部署子路径后与可缓存路径集合比较，或整条 URL 命中 pattern。
func (f *Filter) MatchesPath(u *url.URL) bool {
	if u == nil {
		return false
	}
	if _, ok := f.paths[f.StripBase(u.Path)]; ok {
		return true
	}
	return f.pattern != nil && f.pattern.MatchString(u.String())
}

// SameOrigin 比较规范化后的 scheme 与 host（含非默认端口）。
func (f *Filter) SameOrigin(u *url.URL) bool {
	if u == nil {
		return false
	}
	return originOf(u) == f.origin
}

// SafeMethod 只放行 GET。
func (f *Filter) SafeMethod(method string) bool {
	return strings.EqualFold(method, http.MethodGet)
}

// StripBase 去掉 BasePath 前缀，返回以 / 开头的站内路径。
func (f *Filter) StripBase(p string) string {
	if f.basePath != "" {
		if p == f.basePath {
			return "/"
		}
		if strings.HasPrefix(p, f.basePath+"/") {
			p = p[len(f.basePath):]
		}
	}
	return config.NormalizePath(p)
}

// Resolve 把可缓存路径拼回完整 URL，安装阶段据此构造预缓存请求。
func (f *Filter) Resolve(p string) string {
	return f.origin + f.basePath + config.NormalizePath(p)
}

// Paths 返回可缓存路径集合（无序）。
func (f *Filter) Paths() []string {
	out := make([]string, 0, len(f.paths))
	for p := range f.paths {
		out = append(out, p)
	}
	return out
}

// Origin 返回规范化后的站点 origin。
func (f *Filter) Origin() string {
	return f.origin
}

// originOf 与 cache.NewRequest 使用同一规范化规则，A.test 与 a.test:443 视为同一 origin。
func originOf(u *url.URL) string {
	c := *u
	cache.CanonicalizeURL(&c)
	return c.Scheme + "://" + c.Host
}
