package shutdown

import (
	"context"
	"sync"

	"github.com/shadoworders/keeper/pkg/logger"
)

// Handler 关闭处理函数，应在 ctx 结束前返回
type Handler func(ctx context.Context) error

type namedHandler struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器：按注册的逆序依次执行（后启动的组件先关闭）
type Manager struct {
	mu        sync.Mutex
	callbacks []namedHandler
}

func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, namedHandler{name: name, fn: handler})
}

// Shutdown 阻塞执行所有回调。ctx 超时后剩余回调不再执行。
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	callbacks := make([]namedHandler, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.callbacks = nil
	m.mu.Unlock()

	if len(callbacks) == 0 {
		logger.Info("没有注册的关闭回调")
		return
	}
	logger.Infof("开始优雅关闭，共 %d 个回调", len(callbacks))

	for i := len(callbacks) - 1; i >= 0; i-- {
		cb := callbacks[i]
		if ctx.Err() != nil {
			logger.Warnf("关闭超时，跳过: %s", cb.name)
			continue
		}
		if err := cb.fn(ctx); err != nil {
			logger.Warnf("关闭 %s 失败: %v", cb.name, err)
			continue
		}
		logger.Debugf("已关闭: %s", cb.name)
	}
	logger.Info("所有关闭回调已完成")
}
