// Package namespace 负责带版本号的 store 名称：生成、解析以及过期判断。
// 版本号直接编码在名称里，判断是否过期只需要做字符串比较。
package namespace

import (
	"errors"
	"strings"

	"github.com/any-hub/vcache/internal/classify"
)

// Manager 持有当前版本号、分隔符与合法分桶集合，构造后只读。
type Manager struct {
	version   string
	delimiter string
	buckets   map[string]struct{}
}

// New 创建 Manager，version 与 delimiter 不能为空。
func New(version, delimiter string, buckets []classify.Bucket) (*Manager, error) {
	if version == "" {
		return nil, errors.New("namespace: version required")
	}
	if delimiter == "" {
		return nil, errors.New("namespace: delimiter required")
	}
	set := make(map[string]struct{}, len(buckets))
	for _, b := range buckets {
		set[string(b)] = struct{}{}
	}
	return &Manager{version: version, delimiter: delimiter, buckets: set}, nil
}

// Version 返回当前版本号。
func (m *Manager) Version() string {
	return m.version
}

// StoreKey 用分隔符拼接版本号与限定词；没有限定词时返回版本号本身。
func (m *Manager) StoreKey(qualifiers ...string) string {
	if len(qualifiers) == 0 {
		return m.version
	}
	return m.version + m.delimiter + strings.Join(qualifiers, m.delimiter)
}

// BucketKey 返回分桶对应的 store 名称。
func (m *Manager) BucketKey(b classify.Bucket) string {
	return m.StoreKey(string(b))
}

// IsCurrent 判断 name 是否属于当前版本：等于版本号，或为 <version><delim><bucket>[<delim>...]
// 且分桶合法。其它结构一律视为过期。
func (m *Manager) IsCurrent(name string) bool {
	if name == m.version {
		return true
	}
	rest, ok := strings.CutPrefix(name, m.version+m.delimiter)
	if !ok || rest == "" {
		return false
	}
	bucket, _, _ := strings.Cut(rest, m.delimiter)
	_, known := m.buckets[bucket]
	return known
}

// Stale 返回 names 中不属于当前版本的部分，保持原有顺序。
func (m *Manager) Stale(names []string) []string {
	var out []string
	for _, name := range names {
		if !m.IsCurrent(name) {
			out = append(out, name)
		}
	}
	return out
}
