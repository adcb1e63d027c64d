package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供缓存版本/策略/响应来源字段，供代理请求日志复用。
func RequestFields(storeVersion, strategy, source string, intercepted bool) logrus.Fields {
	return logrus.Fields{
		"store_version": storeVersion,
		"strategy":      strategy,
		"source":        source,
		"intercepted":   intercepted,
	}
}

// WorkerFields 描述一代 worker，供生命周期日志复用。
func WorkerFields(action, storeVersion string, generation uint64, state string) logrus.Fields {
	return logrus.Fields{
		"action":        action,
		"store_version": storeVersion,
		"generation":    generation,
		"state":         state,
	}
}
