package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
)

// useBufferWriters 在测试期间把 CLI 的 stdout/stderr 换成内存 buffer 并返回二者。
func useBufferWriters(t *testing.T) (out, errOut *bytes.Buffer) {
	t.Helper()
	out, errOut = &bytes.Buffer{}, &bytes.Buffer{}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = out, errOut
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return out, errOut
}

// configFixture 返回 internal/config/testdata 下的配置样例路径。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("无法定位测试文件")
	}
	path := filepath.Join(filepath.Dir(file), "internal", "config", "testdata", name)
	if _, err := os.Stat(path); err != nil && name != "missing.toml" {
		t.Fatalf("配置样例不存在: %v", err)
	}
	return path
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}

// siteUpstream 模拟站点上游，统计各路径被回源的次数。
type siteUpstream struct {
	*httptest.Server
	hits atomic.Int32
}

func newSiteUpstream(t *testing.T) *siteUpstream {
	t.Helper()
	site := &siteUpstream{}
	site.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		site.hits.Add(1)
		switch {
		case strings.HasSuffix(r.URL.Path, ".css"):
			w.Header().Set("Content-Type", "text/css")
		case strings.HasSuffix(r.URL.Path, ".html"):
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		default:
			w.Header().Set("Content-Type", "application/octet-stream")
		}
		_, _ = fmt.Fprintf(w, "site:%s", r.URL.Path)
	}))
	t.Cleanup(site.Close)
	return site
}

// writeSiteConfig 生成指向 upstream 的最小配置，使用内存存储并关闭重试。
func writeSiteConfig(t *testing.T, upstreamURL string, precache ...string) string {
	t.Helper()
	quoted := make([]string, 0, len(precache))
	for _, p := range precache {
		quoted = append(quoted, fmt.Sprintf("%q", p))
	}
	return writeConfigFile(t, fmt.Sprintf(`
ListenPort = 5000
StorageDriver = "memory"
MaxRetries = 0

[Cache]
Version = "1"
Origin = "http://a.test"
Upstream = "%s"
PrecachePaths = [%s]
`, upstreamURL, strings.Join(quoted, ", ")))
}
