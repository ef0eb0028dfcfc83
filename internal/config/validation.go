package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var supportedStorageDrivers = map[string]struct{}{
	StorageDriverFile:    {},
	StorageDriverLevelDB: {},
	StorageDriverMemory:  {},
}

const supportedStorageDriverList = "file|leveldb|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedStorageDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedStorageDriverList)
	}
	if g.StorageDriver != StorageDriverMemory && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	return c.Cache.validate()
}

func (c *CacheConfig) validate() error {
	if c.Version == "" {
		return newFieldError("Cache.Version", "不能为空")
	}
	if strings.ContainsAny(c.Version, "/\\ ") || strings.HasPrefix(c.Version, ".") {
		return newFieldError("Cache.Version", "不能包含路径字符或以 . 开头")
	}
	if c.Delimiter == "" {
		return newFieldError("Cache.Delimiter", "不能为空")
	}
	if err := validateOrigin(c.Origin); err != nil {
		return fmt.Errorf("Cache.Origin: %w", err)
	}
	if err := validateUpstream(c.Upstream); err != nil {
		return fmt.Errorf("Cache.Upstream: %w", err)
	}
	if strings.ContainsAny(c.BasePath, "?# ") {
		return newFieldError("Cache.BasePath", "只能是路径前缀")
	}
	if c.PrecachePattern != "" {
		if _, err := regexp.Compile(c.PrecachePattern); err != nil {
			return newFieldError("Cache.PrecachePattern", err.Error())
		}
	}

	if len(c.Buckets) == 0 {
		return errors.New("至少需要配置一个 Bucket")
	}
	seen := map[string]struct{}{}
	for _, b := range c.Buckets {
		if b.Name == "" {
			return newFieldError("Bucket[].Name", "不能为空")
		}
		if strings.Contains(b.Name, c.Delimiter) {
			return newFieldError(bucketField(b.Name, "Name"), "不能包含分隔符 "+c.Delimiter)
		}
		if _, exists := seen[b.Name]; exists {
			return newFieldError(bucketField(b.Name, "Name"), "重复")
		}
		seen[b.Name] = struct{}{}

		if len(b.Match) == 0 {
			return newFieldError(bucketField(b.Name, "Match"), "至少需要一条规则")
		}
		for _, expr := range b.Match {
			if _, err := regexp.Compile(expr); err != nil {
				return newFieldError(bucketField(b.Name, "Match"), err.Error())
			}
		}
	}
	if _, ok := seen[StaticBucket]; !ok {
		return newFieldError("Bucket", "必须包含 "+StaticBucket+" 分桶用于预缓存")
	}

	return nil
}

// StaticBucket 是安装阶段预缓存写入的分桶。
const StaticBucket = "static"

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少站点 Origin")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，Origin: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("Origin 缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("Origin 不应包含路径，请使用 BasePath: %s", raw)
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
