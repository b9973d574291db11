package artifactstore

import (
	"context"
	"sort"
	"sync"
)

type memObject struct {
	content     []byte
	contentType string
}

// MemoryStore is the in-process Store used when no bucket is configured and in tests.
type MemoryStore struct {
	mu        sync.RWMutex
	byRequest map[string]map[string]memObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byRequest: map[string]map[string]memObject{}}
}

func (s *MemoryStore) Put(_ context.Context, requestID, name string, content []byte, contentType string) error {
	key, err := objectKey(requestID, name)
	if err != nil {
		return err
	}
	rid, leaf := splitKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	objs := s.byRequest[rid]
	if objs == nil {
		objs = map[string]memObject{}
		s.byRequest[rid] = objs
	}
	objs[leaf] = memObject{content: append([]byte(nil), content...), contentType: contentType}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, requestID, name string) ([]byte, error) {
	key, err := objectKey(requestID, name)
	if err != nil {
		return nil, err
	}
	rid, leaf := splitKey(key)
	s.mu.RLock()
	obj, ok := s.byRequest[rid][leaf]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), obj.content...), nil
}

// ContentType reports the type recorded by Put, or "" when absent.
func (s *MemoryStore) ContentType(requestID, name string) string {
	key, err := objectKey(requestID, name)
	if err != nil {
		return ""
	}
	rid, leaf := splitKey(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byRequest[rid][leaf].contentType
}

func (s *MemoryStore) List(_ context.Context, requestID string) ([]string, error) {
	prefix, err := prefixOf(requestID)
	if err != nil {
		return nil, err
	}
	rid := prefix[:len(prefix)-1]
	s.mu.RLock()
	names := make([]string, 0, len(s.byRequest[rid]))
	for name := range s.byRequest[rid] {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}
