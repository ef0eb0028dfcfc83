package lifecycle

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrBulkPopulate 表示安装阶段的预缓存失败，宿主需要在下次机会重新执行整个安装。
var ErrBulkPopulate = errors.New("bulk populate failed")

// DeletionError 汇总激活阶段删除失败的过期 store；失败的 store 会在下一次激活时再次被删除。
type DeletionError struct {
	Failed map[string]error
}

func (e *DeletionError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for name := range e.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Failed[name]))
	}
	return "delete stale stores: " + strings.Join(parts, "; ")
}

func (e *DeletionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}
