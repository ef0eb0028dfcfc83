package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/any-hub/vcache/internal/config"
	"github.com/any-hub/vcache/internal/version"
)

// serviceName 写入每条日志的 service 字段。
const serviceName = "vcache"

// InitLogger 根据全局配置创建 JSON 结构化 logger，install/activate/拦截日志共用同一输出。
// LogLevel 为空时取 info；日志文件不可用时退回 stdout，并记录一条 logger_fallback 警告。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	output, fallbackErr := openOutput(cfg)
	logger := newLogger(level, output)

	// 经由 logrus 全局实例输出的日志与主 logger 保持同一格式与去向
	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(level)

	if fallbackErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", fallbackErr)
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(fallbackErr.Error())
	}
	return logger, nil
}

// CloseOutput 关闭 InitLogger 打开的滚动日志文件；stdout 等其它输出不做处理。
func CloseOutput(logger *logrus.Logger) error {
	if logger == nil {
		return nil
	}
	if rotator, ok := logger.Out.(*lumberjack.Logger); ok {
		return rotator.Close()
	}
	return nil
}

// NewDiscardLogger 返回丢弃所有输出的 logger，供测试与嵌入场景使用。
func NewDiscardLogger() *logrus.Logger {
	return newLogger(logrus.InfoLevel, io.Discard)
}

func newLogger(level logrus.Level, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.AddHook(serviceHook{build: version.Version})
	return logger
}

func parseLevel(raw string) (logrus.Level, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(raw)
	if err != nil {
		return 0, fmt.Errorf("无法解析日志级别 %q: %w", raw, err)
	}
	return level, nil
}

// openOutput 未配置文件时输出到 stdout；否则按 LogMax* 参数滚动写文件。
func openOutput(cfg config.GlobalConfig) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}

// serviceHook 为每条日志补上 service 与 build 字段，调用方显式设置的同名字段优先。
type serviceHook struct {
	build string
}

func (serviceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h serviceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = serviceName
	}
	if _, ok := entry.Data["build"]; !ok {
		entry.Data["build"] = h.build
	}
	return nil
}
