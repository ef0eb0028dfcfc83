package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供拦截结果相关字段，供代理请求日志复用。
func RequestFields(method, path, outcome, store string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"method":    method,
		"path":      path,
		"outcome":   outcome,
		"store":     store,
		"cache_hit": cacheHit,
	}
}

// LifecycleFields 描述 install/activate 阶段日志的公共字段。
func LifecycleFields(phase, version string) logrus.Fields {
	return logrus.Fields{
		"action":  "lifecycle",
		"phase":   phase,
		"version": version,
	}
}
