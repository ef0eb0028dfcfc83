package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/vcache/internal/cache"
	"github.com/any-hub/vcache/internal/lifecycle"
	"github.com/any-hub/vcache/internal/logging"
	"github.com/any-hub/vcache/internal/server"
	"github.com/any-hub/vcache/internal/upstream"
)

const (
	headerOutcome = "X-Vcache-Outcome"
	headerStore   = "X-Vcache-Store"
)

// outcomeUnclaimed 表示控制器尚未接管客户端，请求按无缓存路径透传。
const outcomeUnclaimed = "unclaimed"

// Interceptor 是 Handler 依赖的拦截能力，由 lifecycle.Controller 实现。
type Interceptor interface {
	Intercept(ctx context.Context, req *cache.Request) (*lifecycle.Result, error)
}

// ClaimState 报告宿主是否已经完成 ClaimClients。
type ClaimState interface {
	Claimed() bool
}

// Handler 把 Fiber 请求转换为缓存请求交给控制器处理：命中或回源写入时直接返回缓存的响应，
// 透传时以流式方式转发到上游，就像没有缓存层一样。
type Handler struct {
	interceptor Interceptor
	claims      ClaimState
	fetcher     *upstream.Fetcher
	logger      *logrus.Logger
}

// NewHandler constructs a proxy handler with shared controller/upstream/logger.
func NewHandler(interceptor Interceptor, claims ClaimState, fetcher *upstream.Fetcher, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Handler{
		interceptor: interceptor,
		claims:      claims,
		fetcher:     fetcher,
		logger:      logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	req, err := buildRequest(c)
	if err != nil {
		h.logResult(c, nil, "invalid_request", "", requestID, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	if h.claims != nil && !h.claims.Claimed() {
		return h.passThrough(c, req, outcomeUnclaimed, requestID, started)
	}

	result, err := h.interceptor.Intercept(requestContext(c), req)
	if err != nil {
		h.logResult(c, req, "error", "", requestID, started, err)
		var fetchErr *cache.FetchError
		if errors.As(err, &fetchErr) {
			return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
		}
		return h.writeError(c, fiber.StatusInternalServerError, "cache_failed")
	}

	if result.Outcome == lifecycle.OutcomePassThrough {
		return h.passThrough(c, req, string(result.Outcome), requestID, started)
	}

	h.writeCached(c, result, requestID)
	h.logResult(c, req, string(result.Outcome), result.Store, requestID, started, nil)
	return c.Send(result.Response.Body)
}

func (h *Handler) writeCached(c fiber.Ctx, result *lifecycle.Result, requestID string) {
	copyResponseHeaders(c, result.Response.Header)
	c.Set(headerOutcome, string(result.Outcome))
	if result.Store != "" {
		c.Set(headerStore, result.Store)
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(result.Response.Status)
}

// passThrough 把请求原样转发到上游并流式返回，不读写任何 store。
func (h *Handler) passThrough(c fiber.Ctx, req *cache.Request, outcome, requestID string, started time.Time) error {
	target := h.fetcher.Target(req.URL)
	upstreamReq, err := buildUpstreamRequest(c, target)
	if err != nil {
		h.logResult(c, req, outcome, "", requestID, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp, err := h.fetcher.Client().Do(upstreamReq)
	if err != nil {
		h.logResult(c, req, outcome, "", requestID, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(headerOutcome, outcome)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if req.Method == http.MethodHead {
		h.logResult(c, req, outcome, "", requestID, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(c, req, outcome, "", requestID, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	c fiber.Ctx,
	req *cache.Request,
	outcome string,
	store string,
	requestID string,
	started time.Time,
	err error,
) {
	path := string(c.Request().URI().Path())
	if req != nil && req.URL != nil {
		path = req.URL.Path
	}
	cacheHit := outcome == string(lifecycle.OutcomeHit)
	fields := logging.RequestFields(c.Method(), path, outcome, store, cacheHit)
	fields["action"] = "proxy"
	fields["status"] = c.Response().StatusCode()
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// buildRequest 用 scheme + Host 头 + 请求路径还原客户端视角的完整 URL。
func buildRequest(c fiber.Ctx) (*cache.Request, error) {
	uri := c.Request().URI()
	scheme := string(uri.Scheme())
	if proto := c.Get(fiber.HeaderXForwardedProto); proto != "" {
		scheme = proto
	}
	if scheme == "" {
		scheme = "http"
	}
	host := server.HostHeader(c)
	if host == "" {
		return nil, errors.New("missing host")
	}
	u := &url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     string(uri.Path()),
		RawQuery: string(uri.QueryString()),
	}
	return cache.NewRequest(c.Method(), u.String(), fiberHeadersAsHTTP(c))
}

func buildUpstreamRequest(c fiber.Ctx, target *url.URL) (*http.Request, error) {
	body := bytesReader(c.Body())
	req, err := http.NewRequestWithContext(requestContext(c), c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}

	upstream.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = target.Host
	req.Header.Set("Host", target.Host)
	req.Header.Set("X-Forwarded-Host", server.HostHeader(c))
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	return req, nil
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if upstream.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == fiber.HeaderContentLength {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
