package jobs

import (
	"fmt"
	"sync"

	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/jobs/runtime"
)

type Handler interface {
	Type() domain.JobType
	Run(jc *runtime.Context) runtime.Result
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.JobType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.JobType]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	t := h.Type()
	if t == "" {
		return fmt.Errorf("handler Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for job_type=%s", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *Registry) Get(jobType domain.JobType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// VerifyComplete fails wiring if any declared job type is missing a handler.
// This keeps the dispatch surface a compile-and-boot-time concern instead of
// a runtime lookup miss.
func (r *Registry) VerifyComplete() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range domain.AllJobTypes {
		if _, ok := r.handlers[t]; !ok {
			return fmt.Errorf("no handler registered for job_type=%s", t)
		}
	}
	return nil
}
