package mesh

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// DefaultStoreCapacity is how many plans a PlanStore keeps in memory
const DefaultStoreCapacity = 16

// PlanStore keeps the most recent plans for the HTTP endpoints. Older plans
// are evicted once capacity is reached. Summaries of every stored plan can
// be persisted so a restart still lists them.
type PlanStore struct {
	mu        sync.RWMutex
	plans     map[string]*PlanResult
	order     []string // oldest first
	summaries []*PlanSummary
	capacity  int
	cachePath string // path to the summaries cache file; empty disables persistence
}

// NewPlanStore creates an in-memory store
func NewPlanStore(capacity int) *PlanStore {
	if capacity <= 0 {
		capacity = DefaultStoreCapacity
	}
	return &PlanStore{
		plans:    make(map[string]*PlanResult),
		capacity: capacity,
	}
}

// NewPlanStoreWithCache creates a store that persists plan summaries to
// cachePath. If the file exists, its summaries are loaded on creation.
func NewPlanStoreWithCache(capacity int, cachePath string) *PlanStore {
	st := NewPlanStore(capacity)
	st.cachePath = cachePath
	if cachePath != "" {
		if summaries, err := LoadSummaries(cachePath); err == nil {
			st.summaries = summaries
			if len(st.summaries) > st.capacity {
				st.summaries = st.summaries[len(st.summaries)-st.capacity:]
			}
		}
	}
	return st
}

// Put stores a finished plan and returns its summary
func (st *PlanStore) Put(res *PlanResult, requestID string) *PlanSummary {
	summary := Summarize(res, requestID)

	st.mu.Lock()
	if _, exists := st.plans[res.ID]; !exists {
		st.order = append(st.order, res.ID)
		st.summaries = append(st.summaries, summary)
	}
	st.plans[res.ID] = res
	for len(st.order) > st.capacity {
		delete(st.plans, st.order[0])
		st.order = st.order[1:]
	}
	if len(st.summaries) > st.capacity {
		st.summaries = st.summaries[len(st.summaries)-st.capacity:]
	}
	summaries := append([]*PlanSummary(nil), st.summaries...)
	cachePath := st.cachePath
	st.mu.Unlock()

	if cachePath != "" {
		if err := SaveSummaries(summaries, cachePath); err != nil {
			log.Printf("warning: failed to save plan summaries: %v", err)
		}
	}
	return summary
}

// Get returns the plan with the given ID
func (st *PlanStore) Get(id string) (*PlanResult, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	res, ok := st.plans[id]
	return res, ok
}

// Latest returns the most recently stored plan
func (st *PlanStore) Latest() (*PlanResult, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if len(st.order) == 0 {
		return nil, false
	}
	return st.plans[st.order[len(st.order)-1]], true
}

// Summaries returns the stored summaries, newest first. Loaded summaries
// whose plans are no longer in memory are included.
func (st *PlanStore) Summaries() []*PlanSummary {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]*PlanSummary, 0, len(st.summaries))
	for i := len(st.summaries) - 1; i >= 0; i-- {
		out = append(out, st.summaries[i])
	}
	return out
}

// HasPlans returns true if at least one plan is held in memory
func (st *PlanStore) HasPlans() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.plans) > 0
}

// SaveSummaries writes plan summaries to disk as JSON.
func SaveSummaries(summaries []*PlanSummary, path string) error {
	data, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan summaries: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write plan summaries: %w", err)
	}
	return nil
}

// LoadSummaries reads plan summaries from a JSON file on disk.
func LoadSummaries(path string) ([]*PlanSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan summaries: %w", err)
	}
	var summaries []*PlanSummary
	if err := json.Unmarshal(data, &summaries); err != nil {
		return nil, fmt.Errorf("unmarshal plan summaries: %w", err)
	}
	return summaries, nil
}
