package registry

import (
	"sort"
	"sync"

	"github.com/kfsoftware/kernelbridge/pkg/kernel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrKernelNotFound = errors.New("kernel not found")
	ErrDuplicateID    = errors.New("kernel id already registered")
)

// KernelRegistry maps kernel ids to attached kernels. It is safe for
// concurrent use by request handlers.
type KernelRegistry struct {
	mu      sync.RWMutex
	kernels map[string]*kernel.Handle
}

func NewKernelRegistry() *KernelRegistry {
	return &KernelRegistry{
		kernels: map[string]*kernel.Handle{},
	}
}

func (r *KernelRegistry) Add(h *kernel.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kernels[h.ID]; ok {
		return errors.Wrapf(ErrDuplicateID, "%s", h.ID)
	}
	r.kernels[h.ID] = h
	log.Info().Msgf("Registered existing kernel with id %s", h.ID)
	return nil
}

func (r *KernelRegistry) Get(id string) (*kernel.Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.kernels[id]
	if !ok {
		return nil, errors.Wrapf(ErrKernelNotFound, "%s", id)
	}
	return h, nil
}

// List returns the registered kernels ordered by id.
func (r *KernelRegistry) List() []*kernel.Handle {
	r.mu.RLock()
	handles := make([]*kernel.Handle, 0, len(r.kernels))
	for _, h := range r.kernels {
		handles = append(handles, h)
	}
	r.mu.RUnlock()
	sort.Slice(handles, func(i, j int) bool { return handles[i].ID < handles[j].ID })
	return handles
}

func (r *KernelRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.kernels)
}

// Shutdown unregisters a kernel and releases the local connection to it.
// The kernel is asked to shut down, which an attached kernel ignores, so
// the remote process keeps running.
func (r *KernelRegistry) Shutdown(id string, now bool) error {
	r.mu.Lock()
	h, ok := r.kernels[id]
	delete(r.kernels, id)
	r.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrKernelNotFound, "%s", id)
	}
	log.Info().Msgf("Shutting down kernel %s (now=%v)", id, now)
	if err := h.Shutdown(now); err != nil {
		log.Warn().Msgf("Kernel %s shutdown request failed: %v", id, err)
	}
	return h.Close()
}
