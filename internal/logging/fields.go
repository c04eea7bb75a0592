package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// BlobFields 描述单个 blob。
func BlobFields(hash string, size int64) logrus.Fields {
	return logrus.Fields{
		"hash": hash,
		"size": size,
	}
}

// JobFields 提供传输任务日志的公共字段。
func JobFields(id, direction, hash, peer string) logrus.Fields {
	return logrus.Fields{
		"job_id":    id,
		"direction": direction,
		"hash":      hash,
		"peer":      peer,
	}
}

// BundleFields 提供 bundle 相关操作的公共字段。
func BundleFields(id, owner string) logrus.Fields {
	return logrus.Fields{
		"bundle_id": id,
		"owner":     owner,
	}
}

// RequestFields 提供 hub 请求日志的公共字段。
func RequestFields(requestID, method, path string, status int) logrus.Fields {
	return logrus.Fields{
		"request_id": requestID,
		"method":     method,
		"path":       path,
		"status":     status,
	}
}
