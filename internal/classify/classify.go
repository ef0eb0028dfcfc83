package classify

import (
	"fmt"
	"regexp"

	"github.com/any-hub/vcache/internal/config"
)

// Bucket 是内容分桶名称，例如 static、image、content。
type Bucket string

func (b Bucket) String() string {
	return string(b)
}

// Rule 描述一个分桶及其 MIME 匹配规则，任意一条命中即视为属于该分桶。
type Rule struct {
	Bucket   Bucket
	Patterns []*regexp.Regexp
}

// Matches 判断 mime 是否命中任意规则。
func (r Rule) Matches(mime string) bool {
	for _, re := range r.Patterns {
		if re.MatchString(mime) {
			return true
		}
	}
	return false
}

// Classifier 按声明顺序持有规则，构造后只读，可并发使用。
type Classifier struct {
	rules []Rule
}

// New 根据配置编译分桶规则，顺序即匹配优先级。
func New(buckets []config.BucketConfig) (*Classifier, error) {
	if len(buckets) == 0 {
		return nil, fmt.Errorf("classify: no buckets configured")
	}
	rules := make([]Rule, 0, len(buckets))
	for _, b := range buckets {
		rule := Rule{Bucket: Bucket(b.Name)}
		for _, expr := range b.Match {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("classify: bucket %s: %w", b.Name, err)
			}
			rule.Patterns = append(rule.Patterns, re)
		}
		rules = append(rules, rule)
	}
	return &Classifier{rules: rules}, nil
}

// Classify 返回第一个命中的分桶；没有规则命中时返回 false，调用方必须当作不可缓存处理。
func (c *Classifier) Classify(mime string) (Bucket, bool) {
	if c == nil || mime == "" {
		return "", false
	}
	for _, rule := range c.rules {
		if rule.Matches(mime) {
			return rule.Bucket, true
		}
	}
	return "", false
}

// ClassifyResource 读取资源自身声明的类型头后分类。
func (c *Classifier) ClassifyResource(r Resource) (Bucket, bool) {
	if r == nil {
		return "", false
	}
	return c.Classify(r.TypeHeader())
}

// Buckets 返回按声明顺序排列的分桶。
func (c *Classifier) Buckets() []Bucket {
	out := make([]Bucket, 0, len(c.rules))
	for _, rule := range c.rules {
		out = append(out, rule.Bucket)
	}
	return out
}

// Has 报告 name 是否为已声明的分桶。
func (c *Classifier) Has(name string) bool {
	for _, rule := range c.rules {
		if string(rule.Bucket) == name {
			return true
		}
	}
	return false
}
