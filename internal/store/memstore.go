package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/memory"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/trace"
)

// MemoryStore is an in-process Store used by `ask --local` and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]*Thread
	messages map[string][]Message
	byID     map[string]Message
	traces   map[string]map[int]trace.Event
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string]*Thread),
		messages: make(map[string][]Message),
		byID:     make(map[string]Message),
		traces:   make(map[string]map[int]trace.Event),
		now:      time.Now,
	}
}

func (s *MemoryStore) EnsureThread(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[id]; ok {
		return false, nil
	}
	now := s.now()
	s.threads[id] = &Thread{ID: id, CreatedAt: now, UpdatedAt: now}
	return true, nil
}

func (s *MemoryStore) LoadThread(_ context.Context, id string) (Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return Thread{}, ErrNotFound
	}
	out := *t
	out.History = append([]memory.Message(nil), t.History...)
	return out, nil
}

func (s *MemoryStore) SaveThread(_ context.Context, t Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.threads[t.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Summary = t.Summary
	cur.History = append([]memory.Message(nil), t.History...)
	cur.ReportVersion = t.ReportVersion
	cur.FinalReport = t.FinalReport
	cur.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SetThreadName(_ context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return ErrNotFound
	}
	t.Name = name
	t.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) DeleteThread(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[id]; !ok {
		return ErrNotFound
	}
	s.deleteLocked(id)
	return nil
}

func (s *MemoryStore) deleteLocked(id string) {
	for _, m := range s.messages[id] {
		delete(s.traces, m.ID)
		delete(s.byID, m.ID)
	}
	delete(s.messages, id)
	delete(s.threads, id)
}

func (s *MemoryStore) ListIdleThreads(_ context.Context, before time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, t := range s.threads {
		if t.UpdatedAt.Before(before) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return s.threads[ids[i]].UpdatedAt.Before(s.threads[ids[j]].UpdatedAt) })
	return ids, nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, threadID, role, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return "", ErrNotFound
	}
	return s.appendLocked(threadID, role, content), nil
}

func (s *MemoryStore) SaveExchange(_ context.Context, threadID, userContent, assistantContent string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return "", "", ErrNotFound
	}
	userID := s.appendLocked(threadID, "user", userContent)
	return userID, s.appendLocked(threadID, "assistant", assistantContent), nil
}

func (s *MemoryStore) appendLocked(threadID, role, content string) string {
	msgs := s.messages[threadID]
	idx := 0
	if len(msgs) > 0 {
		idx = msgs[len(msgs)-1].Index + 1
	}
	m := Message{ID: uuid.NewString(), ThreadID: threadID, Index: idx, Role: role, Content: content, CreatedAt: s.now()}
	s.messages[threadID] = append(msgs, m)
	s.byID[m.ID] = m
	return m.ID
}

func (s *MemoryStore) GetThreadMessages(_ context.Context, threadID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages[threadID]...), nil
}

func (s *MemoryStore) SaveExecutionTrace(_ context.Context, messageID string, index int, ev trace.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[messageID]; !ok {
		return ErrNotFound
	}
	if s.traces[messageID] == nil {
		s.traces[messageID] = make(map[int]trace.Event)
	}
	s.traces[messageID][index] = ev
	return nil
}

func (s *MemoryStore) CountExecutionTrace(_ context.Context, messageID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.traces[messageID]), nil
}

func (s *MemoryStore) ReplaceExecutionTrace(_ context.Context, messageID string, events []trace.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[messageID]; !ok {
		return ErrNotFound
	}
	set := make(map[int]trace.Event, len(events))
	for i, ev := range events {
		set[i] = ev
	}
	s.traces[messageID] = set
	return nil
}

func (s *MemoryStore) ListExecutionTrace(_ context.Context, messageID string) ([]trace.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.traces[messageID]
	idx := make([]int, 0, len(set))
	for i := range set {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]trace.Event, 0, len(idx))
	for _, i := range idx {
		out = append(out, set[i])
	}
	return out, nil
}
