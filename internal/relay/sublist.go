package relay

import (
	"sort"
	"sync"
)

// Subscriber receives raw envelopes. Push must not block; it reports true
// once the subscriber is gone so the sublist can forget it.
type Subscriber interface {
	Push(data []byte) (closed bool)
}

type SublistMap struct {
	mu   sync.Mutex
	list map[string]*Sublist
}

// Sublist fans one driver's envelopes out to its subscribers and remembers
// the last one for late subscribers.
type Sublist struct {
	key  string
	mu   sync.Mutex
	list map[Subscriber]bool
	data []byte
}

func NewSublistMap() *SublistMap {
	return &SublistMap{list: map[string]*Sublist{}}
}

func newSublist(key string) *Sublist {
	return &Sublist{key: key, list: make(map[Subscriber]bool)}
}

func (s *SublistMap) GetSublist(key string, create bool) (*Sublist, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.list[key]
	if ok {
		return l, true
	}
	if !create {
		return nil, false
	}
	l = newSublist(key)
	s.list[key] = l
	return l, true
}

// Keys returns the driver ids seen so far, sorted.
func (s *SublistMap) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.list))
	for k := range s.list {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Sublist) Key() string {
	return s.key
}

// Subscribe adds sub and replays the last envelope, if any.
func (s *Sublist) Subscribe(sub Subscriber) {
	s.mu.Lock()
	s.list[sub] = true
	if s.data != nil {
		sub.Push(s.data)
	}
	s.mu.Unlock()
}

func (s *Sublist) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	delete(s.list, sub)
	s.mu.Unlock()
}

func (s *Sublist) Last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Seed sets the last envelope without pushing it, for replay from a cache.
func (s *Sublist) Seed(d []byte) {
	s.mu.Lock()
	if s.data == nil {
		s.data = d
	}
	s.mu.Unlock()
}

func (s *Sublist) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

// Send stores d as the last envelope and pushes it to every subscriber
// except skip. It returns the number of live subscribers pushed to.
func (s *Sublist) Send(d []byte, skip Subscriber) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = d
	return s.push(d, skip)
}

// Broadcast pushes d without remembering it.
func (s *Sublist) Broadcast(d []byte, skip Subscriber) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.push(d, skip)
}

func (s *Sublist) push(d []byte, skip Subscriber) int {
	n := 0
	for sub := range s.list {
		if sub == skip {
			continue
		}
		if closed := sub.Push(d); closed {
			delete(s.list, sub)
			continue
		}
		n++
	}
	return n
}
