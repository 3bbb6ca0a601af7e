package storage

import (
	"sort"
	"sync"
)

type memoryStorage struct {
	mutex sync.Mutex
	maps  map[string]*memoryMap
	refs  map[string]*memoryRef
}

// NewMemoryStorage creates a process-local storage
func NewMemoryStorage() Storage {
	return &memoryStorage{
		maps: make(map[string]*memoryMap),
		refs: make(map[string]*memoryRef),
	}
}

func (s *memoryStorage) GetMap(name string) Map {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	m, exists := s.maps[name]
	if !exists {
		m = &memoryMap{entries: make(map[string]any)}
		s.maps[name] = m
	}
	return m
}

func (s *memoryStorage) GetRef(name string) Ref {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	r, exists := s.refs[name]
	if !exists {
		r = &memoryRef{}
		s.refs[name] = r
	}
	return r
}

func (s *memoryStorage) Remove(name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if m, exists := s.maps[name]; exists {
		_ = m.Replace(nil)
		delete(s.maps, name)
	}
	if r, exists := s.refs[name]; exists {
		_ = r.Clear()
		delete(s.refs, name)
	}
	return nil
}

func (s *memoryStorage) Names() []string {
	s.mutex.Lock()
	maps := make(map[string]*memoryMap, len(s.maps))
	for name, m := range s.maps {
		maps[name] = m
	}
	refs := make(map[string]*memoryRef, len(s.refs))
	for name, r := range s.refs {
		refs[name] = r
	}
	s.mutex.Unlock()

	names := make([]string, 0, len(maps)+len(refs))
	for name, m := range maps {
		if m.Len() > 0 {
			names = append(names, name)
		}
	}
	for name, r := range refs {
		if _, set := r.Get(); set {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (s *memoryStorage) Close() error {
	return nil
}

type memoryMap struct {
	mutex   sync.Mutex
	entries map[string]any
}

func (m *memoryMap) Get(key string) (any, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	v, ok := m.entries[key]
	return v, ok
}

func (m *memoryMap) Put(key string, value any) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.entries[key] = value
	return nil
}

func (m *memoryMap) Delete(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *memoryMap) Replace(entries map[string]any) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.entries = copyEntries(entries)
	return nil
}

func (m *memoryMap) Snapshot() map[string]any {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return copyEntries(m.entries)
}

func (m *memoryMap) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.entries)
}

type memoryRef struct {
	mutex sync.Mutex
	value any
	set   bool
}

func (r *memoryRef) Get() (any, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.value, r.set
}

func (r *memoryRef) Set(value any) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.value = value
	r.set = true
	return nil
}

func (r *memoryRef) Clear() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.value = nil
	r.set = false
	return nil
}
