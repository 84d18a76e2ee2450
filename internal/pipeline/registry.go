package pipeline

import (
	"fmt"
	"sync"

	"genflow/internal/shared/model"
)

// Registry job_type → Strategy
type Registry struct {
	mu         sync.RWMutex
	strategies map[model.JobType]Strategy
}

// NewRegistry 创建策略注册表
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[model.JobType]Strategy)}
}

// Register 注册策略，重复注册覆盖旧值
func (r *Registry) Register(jobType model.JobType, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[jobType] = s
}

// Resolve 查找策略
func (r *Registry) Resolve(jobType model.JobType) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[jobType]
	if !ok {
		return nil, fmt.Errorf("no strategy registered for job type %q", jobType)
	}
	return s, nil
}

// Has 是否已注册
func (r *Registry) Has(jobType model.JobType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.strategies[jobType]
	return ok
}
