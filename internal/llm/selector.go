package llm

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Selection неизменяемый снимок активного провайдера.
type Selection struct {
	Name     string
	Provider Provider
	Version  uint64
}

// Selector хранит активного провайдера. Запрос берет снимок один раз
// и работает с ним до конца, переключение не влияет на запросы в полете.
type Selector struct {
	providers map[string]Provider
	current   atomic.Pointer[Selection]
	mu        sync.Mutex // сериализует Switch, чтобы Version рос монотонно
}

func NewSelector(initial string, providers ...Provider) (*Selector, error) {
	s := &Selector{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		s.providers[p.Name()] = p
	}
	p, ok := s.providers[initial]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, initial)
	}
	s.current.Store(&Selection{Name: initial, Provider: p, Version: 1})
	return s, nil
}

func (s *Selector) Current() *Selection {
	return s.current.Load()
}

// Resolve возвращает снимок для запроса. Непустой override выбирает
// провайдера только для этого запроса, глобальный выбор не меняется.
func (s *Selector) Resolve(override string) (*Selection, error) {
	cur := s.current.Load()
	if override == "" || override == cur.Name {
		return cur, nil
	}
	p, ok := s.providers[override]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, override)
	}
	return &Selection{Name: override, Provider: p, Version: cur.Version}, nil
}

// Switch публикует нового активного провайдера.
func (s *Selector) Switch(name string) (*Selection, error) {
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := &Selection{Name: name, Provider: p, Version: s.current.Load().Version + 1}
	s.current.Store(next)
	return next, nil
}

func (s *Selector) Names() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
