package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 worker/domain/命中来源字段，供代理请求日志复用。
func RequestFields(worker, domain, version, strategy, source string, handled bool) logrus.Fields {
	return logrus.Fields{
		"worker":   worker,
		"domain":   domain,
		"version":  version,
		"strategy": strategy,
		"source":   source,
		"handled":  handled,
	}
}

// LifecycleFields 标记 install/activate/fetch 日志所属的 worker 与缓存版本。
func LifecycleFields(worker, version, strategy string) logrus.Fields {
	return logrus.Fields{
		"worker":   worker,
		"version":  version,
		"strategy": strategy,
	}
}
