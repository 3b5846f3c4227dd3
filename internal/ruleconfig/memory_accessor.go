package ruleconfig

import (
	"context"
	"fmt"
	"sync"
)

// MemoryAccessor serves validated versions from memory. It backs tests and
// the no-database development mode.
type MemoryAccessor struct {
	mu       sync.RWMutex
	versions map[string]*Version // by workflow key
}

func NewMemoryAccessor() *MemoryAccessor {
	return &MemoryAccessor{versions: map[string]*Version{}}
}

// Register validates and installs a version as the active one for its
// workflow key.
func (m *MemoryAccessor) Register(v *Version) error {
	if err := Validate(v); err != nil {
		return fmt.Errorf("register version: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[v.WorkflowKey] = v
	return nil
}

func (m *MemoryAccessor) ResolveActiveVersion(ctx context.Context, workflowKey string) (*Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[workflowKey]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *MemoryAccessor) FindActiveVersionsByEventType(ctx context.Context, eventType string) ([]*Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Version
	for _, v := range m.versions {
		if _, ok := v.NodeForEventType(eventType); ok {
			out = append(out, v)
		}
	}
	return out, nil
}
