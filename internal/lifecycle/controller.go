// Package lifecycle 编排缓存层的三个阶段：install 预缓存 static 分桶，
// activate 清理旧版本 store 后接管客户端，intercept 对单个请求决定透传、命中或回源写入。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/vcache/internal/cache"
	"github.com/any-hub/vcache/internal/classify"
	"github.com/any-hub/vcache/internal/config"
	"github.com/any-hub/vcache/internal/filter"
	"github.com/any-hub/vcache/internal/logging"
	"github.com/any-hub/vcache/internal/metrics"
	"github.com/any-hub/vcache/internal/namespace"
)

// Phase 是控制器当前所处的阶段。
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseInstalling Phase = "installing"
	PhaseInstalled  Phase = "installed"
	PhaseActivating Phase = "activating"
	PhaseActive     Phase = "active"
	PhaseFailed     Phase = "failed"
)

// deleteConcurrency 限制激活阶段并发删除的 store 数量。
const deleteConcurrency = 8

// Options 汇总控制器依赖，全部在进程启动时构造一次。
type Options struct {
	Storage    *cache.Storage
	Classifier *classify.Classifier
	Filter     *filter.Filter
	Namespace  *namespace.Manager
	Host       Host
	Logger     *logrus.Logger
	Metrics    metrics.Recorder

	// PrecachePaths 按声明顺序列出安装阶段需要写入 static 分桶的路径。
	PrecachePaths []string
	// CacheNonSuccess 为 true 时非 2xx 响应同样写入缓存。
	CacheNonSuccess bool
}

// Controller 实现 install/activate/intercept 三个阶段。
type Controller struct {
	storage    *cache.Storage
	classifier *classify.Classifier
	filter     *filter.Filter
	ns         *namespace.Manager
	host       Host
	logger     *logrus.Logger
	metrics    metrics.Recorder

	precache        []string
	cacheNonSuccess bool

	// run 串行化 install/activate，宿主可能重复投递信号。
	run sync.Mutex

	mu    sync.RWMutex
	phase Phase
}

// New 校验依赖并创建控制器。
func New(opts Options) (*Controller, error) {
	switch {
	case opts.Storage == nil:
		return nil, errors.New("storage is required")
	case opts.Classifier == nil:
		return nil, errors.New("classifier is required")
	case opts.Filter == nil:
		return nil, errors.New("filter is required")
	case opts.Namespace == nil:
		return nil, errors.New("namespace manager is required")
	case opts.Host == nil:
		return nil, errors.New("host is required")
	}
	if !opts.Classifier.Has(config.StaticBucket) {
		return nil, fmt.Errorf("classifier must declare the %s bucket", config.StaticBucket)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	rec := opts.Metrics
	if rec == nil {
		rec = metrics.Noop()
	}
	return &Controller{
		storage:         opts.Storage,
		classifier:      opts.Classifier,
		filter:          opts.Filter,
		ns:              opts.Namespace,
		host:            opts.Host,
		logger:          logger,
		metrics:         rec,
		precache:        append([]string(nil), opts.PrecachePaths...),
		cacheNonSuccess: opts.CacheNonSuccess,
		phase:           PhaseIdle,
	}, nil
}

// Phase 返回当前阶段。
func (c *Controller) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// Namespace 返回控制器使用的命名空间管理器。
func (c *Controller) Namespace() *namespace.Manager {
	return c.ns
}

// Classifier 返回控制器使用的分类器。
func (c *Controller) Classifier() *classify.Classifier {
	return c.classifier
}

// Storage 返回底层 store 适配层。
func (c *Controller) Storage() *cache.Storage {
	return c.storage
}

// Install 打开当前版本的 static store 并整体写入全部预缓存路径。任意一个获取或写入失败即整体失败，
// 返回包装了 ErrBulkPopulate 的错误，static store 保持安装前的内容。成功后调用 Host.CompleteInstall。
func (c *Controller) Install(ctx context.Context) error {
	c.run.Lock()
	defer c.run.Unlock()

	c.setPhase(PhaseInstalling)
	storeName := c.ns.BucketKey(config.StaticBucket)

	err := c.install(ctx, storeName)
	c.metrics.Install(ctx, len(c.precache), err)

	fields := logging.LifecycleFields(string(PhaseInstalling), c.ns.Version())
	fields["store"] = storeName
	fields["entries"] = len(c.precache)
	if err != nil {
		c.setPhase(PhaseFailed)
		fields["error"] = err.Error()
		c.logger.WithFields(fields).Error("install_failed")
		return err
	}

	c.setPhase(PhaseInstalled)
	c.host.CompleteInstall()
	c.logger.WithFields(fields).Info("install_complete")
	return nil
}

func (c *Controller) install(ctx context.Context, storeName string) error {
	handle, err := c.storage.Open(ctx, storeName)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBulkPopulate, err)
	}
	reqs := make([]*cache.Request, 0, len(c.precache))
	for _, p := range c.precache {
		req, err := cache.NewRequest(http.MethodGet, c.filter.Resolve(p), nil)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBulkPopulate, err)
		}
		reqs = append(reqs, req)
	}
	if err := handle.AddAll(ctx, reqs); err != nil {
		return fmt.Errorf("%w: %w", ErrBulkPopulate, err)
	}
	return nil
}

// ActivateReport 记录一次激活的清理结果。
type ActivateReport struct {
	Deleted  []string         `json:"deleted"`
	Retained []string         `json:"retained"`
	Failed   map[string]error `json:"-"`
}

// FailedNames 返回删除失败的 store 名称（有序）。
func (r ActivateReport) FailedNames() []string {
	names := make([]string, 0, len(r.Failed))
	for name := range r.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Activate 枚举全部 store，并发删除不属于当前版本的部分。单个删除失败不影响其它删除，
// 全部结束后调用 Host.ClaimClients；存在失败时额外返回 *DeletionError。
func (c *Controller) Activate(ctx context.Context) (ActivateReport, error) {
	c.run.Lock()
	defer c.run.Unlock()

	c.setPhase(PhaseActivating)
	fields := logging.LifecycleFields(string(PhaseActivating), c.ns.Version())

	names, err := c.storage.Keys(ctx)
	if err != nil {
		c.setPhase(PhaseFailed)
		fields["error"] = err.Error()
		c.logger.WithFields(fields).Error("activate_failed")
		return ActivateReport{}, fmt.Errorf("list stores: %w", err)
	}

	stale := c.ns.Stale(names)
	report := ActivateReport{Failed: map[string]error{}}
	for _, name := range names {
		if c.ns.IsCurrent(name) {
			report.Retained = append(report.Retained, name)
		}
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(deleteConcurrency)
	for _, name := range stale {
		g.Go(func() error {
			_, err := c.storage.Delete(ctx, name)
			c.metrics.StaleDeletion(ctx, name, err)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[name] = err
				return nil
			}
			report.Deleted = append(report.Deleted, name)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(report.Deleted)

	c.setPhase(PhaseActive)
	c.host.ClaimClients()

	fields["deleted"] = report.Deleted
	fields["retained"] = len(report.Retained)
	if len(report.Failed) > 0 {
		fields["failed"] = report.FailedNames()
		c.logger.WithFields(fields).Warn("activate_partial_cleanup")
		return report, &DeletionError{Failed: report.Failed}
	}
	c.logger.WithFields(fields).Info("activate_complete")
	return report, nil
}
