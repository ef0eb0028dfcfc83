package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的存储驱动。
const (
	StorageDriverFile    = "file"
	StorageDriverLevelDB = "leveldb"
	StorageDriverMemory  = "memory"
)

// GlobalConfig 描述进程级运行时行为：监听、日志、存储与上游访问参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// BucketConfig 声明一个缓存分桶及其 MIME 匹配规则（正则），按声明顺序参与分类。
type BucketConfig struct {
	Name  string   `mapstructure:"Name"`
	Match []string `mapstructure:"Match"`
}

// CacheConfig 对应 [Cache] 段落，决定版本号、命名空间分隔符以及可缓存资源集合。
type CacheConfig struct {
	Version         string         `mapstructure:"Version"`
	Delimiter       string         `mapstructure:"Delimiter"`
	Origin          string         `mapstructure:"Origin"`
	Upstream        string         `mapstructure:"Upstream"`
	BasePath        string         `mapstructure:"BasePath"`
	PrecachePaths   []string       `mapstructure:"PrecachePaths"`
	PrecachePattern string         `mapstructure:"PrecachePattern"`
	CacheNonSuccess bool           `mapstructure:"CacheNonSuccess"`
	Buckets         []BucketConfig `mapstructure:"Bucket"`
}

// Config 是配置文件映射的整体结构，加载完成后视为只读。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Cache  CacheConfig  `mapstructure:"Cache"`
}

// DefaultBuckets 返回内置的分桶规则：image → content → static。
func DefaultBuckets() []BucketConfig {
	return []BucketConfig{
		{Name: "image", Match: []string{`^image/`}},
		{Name: "content", Match: []string{`text/html`, `application/xml`, `application/xhtml`, `text/xml`, `text/plain`}},
		{Name: "static", Match: []string{`text/css`, `javascript`}},
	}
}

// BucketNames 返回按声明顺序排列的分桶名称。
func (c CacheConfig) BucketNames() []string {
	names := make([]string, 0, len(c.Buckets))
	for _, b := range c.Buckets {
		names = append(names, b.Name)
	}
	return names
}
