package integration

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
)

// siteAsset 是源站模拟器上的一个资源。
type siteAsset struct {
	contentType string
	body        []byte
}

// originStub 模拟被缓存站点的上游，可在运行中修改资源或让指定路径失败。
type originStub struct {
	server   *http.Server
	listener net.Listener
	URL      string

	mu       sync.Mutex
	assets   map[string]siteAsset
	failing  map[string]int
	requests []RecordedRequest
}

// RecordedRequest 捕获每次请求的方法/路径/Host/Headers，便于断言缓存层行为。
type RecordedRequest struct {
	Method  string
	Path    string
	Host    string
	Headers http.Header
	Body    []byte
}

// defaultSite 与示例配置对应：BasePath 为 /smashing-mag-sw。
func defaultSite() map[string]siteAsset {
	return map[string]siteAsset{
		"/smashing-mag-sw/suitcss.css":     {contentType: "text/css", body: []byte("body{margin:0}")},
		"/smashing-mag-sw/assets/pic1.jpg": {contentType: "image/jpeg", body: []byte("jpeg-1")},
		"/smashing-mag-sw/assets/pic2.jpg": {contentType: "image/jpeg", body: []byte("jpeg-2")},
		"/smashing-mag-sw/page1.html":      {contentType: "text/html; charset=utf-8", body: []byte("<h1>page1</h1>")},
		"/smashing-mag-sw/page3.html":      {contentType: "text/html; charset=utf-8", body: []byte("<h1>page3</h1>")},
		"/smashing-mag-sw/data.bin":        {contentType: "application/octet-stream", body: []byte{0x01, 0x02}},
	}
}

func newOriginStub(t *testing.T) *originStub {
	t.Helper()

	stub := &originStub{
		assets:  defaultSite(),
		failing: map[string]int{},
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.recordRequest(r)
		stub.serve(w, r)
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start origin stub listener: %v", err)
	}
	server := &http.Server{Handler: handler}

	stub.server = server
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()

	go func() {
		_ = server.Serve(listener)
	}()

	return stub
}

func (s *originStub) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	asset, ok := s.assets[r.URL.Path]
	status := s.failing[r.URL.Path]
	s.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("origin failure"))
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", asset.contentType)
	w.Header().Set("Cache-Control", "max-age=60")
	_, _ = w.Write(asset.body)
}

// UpdateBody 修改资源内容，模拟站点发布新版本。
func (s *originStub) UpdateBody(path string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	asset := s.assets[path]
	asset.body = body
	s.assets[path] = asset
}

// Fail 让指定路径返回给定状态码；status 为 0 时恢复正常。
func (s *originStub) Fail(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failing, path)
		return
	}
	s.failing[path] = status
}

func (s *originStub) Close() {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *originStub) recordRequest(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()
	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Host:    r.Host,
		Headers: cloneHeader(r.Header),
		Body:    body,
	})
	s.mu.Unlock()
	r.Body = io.NopCloser(bytes.NewReader(body))
}

func (s *originStub) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]RecordedRequest, len(s.requests))
	copy(result, s.requests)
	return result
}

// Count 返回指定路径被请求的次数。
func (s *originStub) Count(path string) int {
	n := 0
	for _, req := range s.Requests() {
		if req.Path == path {
			n++
		}
	}
	return n
}

func cloneHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for k, values := range src {
		cp := make([]string, len(values))
		copy(cp, values)
		dst[k] = cp
	}
	return dst
}

func TestOriginStubServesSiteAndFailures(t *testing.T) {
	stub := newOriginStub(t)
	defer stub.Close()

	resp, err := http.Get(stub.URL + "/smashing-mag-sw/suitcss.css")
	if err != nil {
		t.Fatalf("css request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "body{margin:0}" {
		t.Fatalf("unexpected css response: %d %s", resp.StatusCode, string(body))
	}
	if resp.Header.Get("Content-Type") != "text/css" {
		t.Fatalf("unexpected content type: %s", resp.Header.Get("Content-Type"))
	}

	stub.Fail("/smashing-mag-sw/suitcss.css", http.StatusServiceUnavailable)
	resp, err = http.Get(stub.URL + "/smashing-mag-sw/suitcss.css")
	if err != nil {
		t.Fatalf("css request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected injected failure, got %d", resp.StatusCode)
	}

	if got := stub.Count("/smashing-mag-sw/suitcss.css"); got != 2 {
		t.Fatalf("expected 2 recorded requests, got %d", got)
	}
}
