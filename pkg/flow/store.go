package flow

import (
	"context"
	"sort"
	"sync"
)

// JobStore persists flows. CreateFlow writes a parent and its children
// atomically; DeleteFlow removes them together.
type JobStore interface {
	CreateFlow(ctx context.Context, parent Job, children []Job) error
	Get(ctx context.Context, id string) (Job, error)
	Children(ctx context.Context, parentID string) ([]Job, error)
	Update(ctx context.Context, job Job) error
	UnfinishedParents(ctx context.Context) ([]Job, error)
	DeleteFlow(ctx context.Context, parentID string) error
	Close() error
}

// MemoryJobStore keeps flows in process memory. Nothing survives a restart.
type MemoryJobStore struct {
	mu       sync.RWMutex
	jobs     map[string]Job
	children map[string][]string
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs:     make(map[string]Job),
		children: make(map[string][]string),
	}
}

func (s *MemoryJobStore) CreateFlow(_ context.Context, parent Job, children []Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[parent.ID] = cloneJob(parent)
	ids := make([]string, 0, len(children))
	for _, c := range children {
		s.jobs[c.ID] = cloneJob(c)
		ids = append(ids, c.ID)
	}
	s.children[parent.ID] = ids
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (s *MemoryJobStore) Children(_ context.Context, parentID string) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.children[parentID]))
	for _, id := range s.children[parentID] {
		out = append(out, cloneJob(s.jobs[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *MemoryJobStore) Update(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryJobStore) UnfinishedParents(_ context.Context) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Job
	for _, j := range s.jobs {
		if j.ParentID == "" && j.Status != StatusCompleted {
			out = append(out, cloneJob(j))
		}
	}
	sortParents(out)
	return out, nil
}

func (s *MemoryJobStore) DeleteFlow(_ context.Context, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.children[parentID] {
		delete(s.jobs, id)
	}
	delete(s.children, parentID)
	delete(s.jobs, parentID)
	return nil
}

func (s *MemoryJobStore) Close() error { return nil }

func cloneJob(j Job) Job {
	j.Payload = append([]byte(nil), j.Payload...)
	j.Result = append([]byte(nil), j.Result...)
	return j
}

// sortParents orders parents by creation, breaking ties on the time-ordered id.
func sortParents(jobs []Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
