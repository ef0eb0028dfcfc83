package classify

import "github.com/any-hub/vcache/internal/cache"

// Resource 是参与分类的对象：请求看 Accept，响应看 Content-Type。
// 只有本包内的两种实现。
type Resource interface {
	TypeHeader() string
	isResource()
}

// RequestResource 在回源之前按请求声明的 Accept 分类。
type RequestResource struct {
	Request *cache.Request
}

// TypeHeader 返回 Accept 头。
func (r RequestResource) TypeHeader() string {
	return r.Request.Accept()
}

func (RequestResource) isResource() {}

// ResponseResource 按响应的 Content-Type 分类。
type ResponseResource struct {
	Response *cache.Response
}

// TypeHeader 返回 Content-Type 头。
func (r ResponseResource) TypeHeader() string {
	return r.Response.ContentType()
}

func (ResponseResource) isResource() {}
