package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/vcache/internal/cache"
	"github.com/any-hub/vcache/internal/classify"
	"github.com/any-hub/vcache/internal/logging"
)

// Outcome 描述一次拦截的处理结果。
type Outcome string

const (
	// OutcomePassThrough 请求不在缓存范围内，未访问 store 与网络。
	OutcomePassThrough Outcome = "pass_through"
	// OutcomeHit 命中当前版本的 store，未访问网络。
	OutcomeHit Outcome = "hit"
	// OutcomeStored 回源成功并写入分桶后从 store 读回。
	OutcomeStored Outcome = "stored"
	// OutcomeBypass 已回源但未写入：分类未命中、非 2xx 或写入失败。
	OutcomeBypass Outcome = "bypass"
)

// Result 是拦截结果；PassThrough 时 Response 为空，由调用方走正常网络路径。
type Result struct {
	Outcome  Outcome
	Response *cache.Response
	Store    string
	Bucket   classify.Bucket
}

// Intercept 处理单个请求：
//  1. 不满足过滤条件时直接返回 OutcomePassThrough；
//  2. 在当前版本的 store 中查找，命中即返回；
//  3. 未命中时按请求 Accept 分类（失败则按响应 Content-Type），回源后写入对应分桶并读回。
//
// 传输层失败以 *cache.FetchError 返回，不会写入任何条目。并发的相同请求可能各自回源写入，
// 以最后一次写入为准。
func (c *Controller) Intercept(ctx context.Context, req *cache.Request) (result *Result, err error) {
	started := time.Now()
	defer func() {
		outcome, bucket := "error", ""
		if result != nil {
			outcome, bucket = string(result.Outcome), string(result.Bucket)
		}
		c.metrics.Intercept(ctx, outcome, bucket, time.Since(started))
	}()

	if !c.filter.IsCacheable(req) {
		return &Result{Outcome: OutcomePassThrough}, nil
	}

	cached, store, err := c.storage.Lookup(ctx, req, c.ns.IsCurrent)
	switch {
	case err == nil:
		return &Result{Outcome: OutcomeHit, Response: cached, Store: store}, nil
	case errors.Is(err, cache.ErrNotFound):
	default:
		fields := c.requestFields(req, "lookup_error")
		fields["error"] = err.Error()
		c.logger.WithFields(fields).Warn("cache_lookup_failed")
	}

	bucket, ok := c.classifier.ClassifyResource(classify.RequestResource{Request: req})

	fetched, err := c.storage.Fetch(ctx, req)
	if err != nil {
		c.metrics.FetchFailure(ctx, true)
		return nil, err
	}

	if !ok {
		bucket, ok = c.classifier.ClassifyResource(classify.ResponseResource{Response: fetched})
	}
	if !ok {
		return &Result{Outcome: OutcomeBypass, Response: fetched}, nil
	}
	if !fetched.OK() && !c.cacheNonSuccess {
		c.metrics.FetchFailure(ctx, false)
		return &Result{Outcome: OutcomeBypass, Response: fetched, Bucket: bucket}, nil
	}

	storeName := c.ns.BucketKey(bucket)
	stored, err := c.store(ctx, storeName, req, fetched)
	if err != nil {
		fields := c.requestFields(req, string(OutcomeBypass))
		fields["store"] = storeName
		fields["error"] = err.Error()
		c.logger.WithFields(fields).Warn("cache_store_failed")
		return &Result{Outcome: OutcomeBypass, Response: fetched, Bucket: bucket}, nil
	}
	return &Result{Outcome: OutcomeStored, Response: stored, Store: storeName, Bucket: bucket}, nil
}

func (c *Controller) store(ctx context.Context, storeName string, req *cache.Request, resp *cache.Response) (*cache.Response, error) {
	handle, err := c.storage.Open(ctx, storeName)
	if err != nil {
		return nil, err
	}
	if err := handle.Put(ctx, req, resp); err != nil {
		return nil, err
	}
	return handle.Match(ctx, req)
}

func (c *Controller) requestFields(req *cache.Request, outcome string) logrus.Fields {
	fields := logging.RequestFields(req.Method, req.URL.Path, outcome, "", false)
	fields["action"] = "intercept"
	fields["version"] = c.ns.Version()
	return fields
}
