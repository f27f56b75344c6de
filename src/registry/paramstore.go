package registry

import "sync"

// ParamStore is the storage backend for the registry's parameter server.
type ParamStore interface {
	Set(key string, value interface{}) error
	Get(key string) (interface{}, bool, error)
	Delete(key string) (bool, error)
	Close() error
}

// InmemParams is the default, non-persistent parameter store.
type InmemParams struct {
	mu     sync.Mutex
	values map[string]interface{}
}

// NewInmemParams returns an empty in-memory parameter store.
func NewInmemParams() *InmemParams {
	return &InmemParams{values: map[string]interface{}{}}
}

// Set implements the ParamStore interface.
func (p *InmemParams) Set(key string, value interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
	return nil
}

// Get implements the ParamStore interface.
func (p *InmemParams) Get(key string) (interface{}, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[key]
	return v, ok, nil
}

// Delete implements the ParamStore interface.
func (p *InmemParams) Delete(key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.values[key]
	delete(p.values, key)
	return ok, nil
}

// Close implements the ParamStore interface.
func (p *InmemParams) Close() error {
	return nil
}
