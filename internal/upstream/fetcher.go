// Package upstream 负责与源站通信：共享 http.Client、hop-by-hop 头过滤，
// 以及带指数退避重试的 Fetcher（缓存层的网络能力）。
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/vcache/internal/cache"
	"github.com/any-hub/vcache/internal/config"
	"github.com/any-hub/vcache/internal/logging"
)

// 回源时不转发的请求头：条件请求与 Range 不在缓存层的语义范围内，
// Accept-Encoding 交给 Transport 处理以便缓存解压后的内容。
var strippedRequestHeaders = []string{
	"Accept-Encoding",
	"Range",
	"If-Range",
	"If-None-Match",
	"If-Modified-Since",
}

// Fetcher 将站点 origin 下的 URL 映射到上游地址并获取完整响应。
// 传输层错误按 MaxRetries 重试，非 2xx 状态原样返回由调用方决定。
type Fetcher struct {
	client     *http.Client
	upstream   *url.URL
	maxRetries int
	backoff    time.Duration
	logger     *logrus.Logger
}

// New 根据配置构造 Fetcher，client 为空时使用 NewClient。
func New(cfg *config.Config, client *http.Client, logger *logrus.Logger) (*Fetcher, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	target, err := url.Parse(cfg.Cache.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}
	if client == nil {
		client = NewClient(cfg)
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Fetcher{
		client:     client,
		upstream:   target,
		maxRetries: cfg.Global.MaxRetries,
		backoff:    cfg.Global.InitialBackoff.DurationValue(),
		logger:     logger,
	}, nil
}

// Client 返回底层 http.Client，透传请求复用同一连接池。
func (f *Fetcher) Client() *http.Client {
	return f.client
}

// Target 把请求 URL 的路径与查询参数拼到上游地址上。
func (f *Fetcher) Target(u *url.URL) *url.URL {
	target := *f.upstream
	target.Path = strings.TrimRight(f.upstream.Path, "/") + u.Path
	target.RawPath = ""
	target.RawQuery = u.RawQuery
	target.Fragment = ""
	return &target
}

// Fetch 实现 cache.Fetcher。
func (f *Fetcher) Fetch(ctx context.Context, req *cache.Request) (*cache.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("nil request")
	}
	target := f.Target(req.URL).String()

	op := func() (*cache.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		CopyHeaders(httpReq.Header, req.Header)
		for _, key := range strippedRequestHeaders {
			httpReq.Header.Del(key)
		}

		resp, err := f.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		header := make(http.Header, len(resp.Header))
		CopyHeaders(header, resp.Header)
		return &cache.Response{
			Status: resp.StatusCode,
			Header: header,
			Body:   body,
			URL:    req.Key(),
		}, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.backoff
	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(f.maxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			f.logger.WithFields(logrus.Fields{
				"action":   "upstream_retry",
				"upstream": target,
				"backoff":  next.String(),
				"error":    err.Error(),
			}).Warn("upstream_retry")
		}),
	)
	if err != nil {
		return nil, &cache.FetchError{URL: req.Key(), Err: err}
	}
	return resp, nil
}
