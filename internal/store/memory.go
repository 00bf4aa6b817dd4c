package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/reward-distributor/internal/model"
)

// MemoryStore implements Store in process memory. State is lost on exit, so
// it is meant for tests and dry runs.
type MemoryStore struct {
	mu        sync.Mutex
	baselines map[string]model.Baseline
	records   []model.DistributionRecord
	pending   map[string]model.PendingTransfer
	seq       int64

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		baselines: make(map[string]model.Baseline),
		pending:   make(map[string]model.PendingTransfer),
		nowFunc:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetBaseline(_ context.Context, producerID string) (*model.Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.baselines[producerID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *MemoryStore) AdvanceBaseline(_ context.Context, producerID string, value model.Quantity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked(producerID, value)
}

func (s *MemoryStore) advanceLocked(producerID string, value model.Quantity) error {
	if cur, ok := s.baselines[producerID]; ok {
		if err := checkAdvance(producerID, &cur.LastRewardedUnits, value); err != nil {
			return err
		}
	}
	s.baselines[producerID] = model.Baseline{
		ProducerID:        producerID,
		LastRewardedUnits: value,
		UpdatedAt:         s.nowFunc(),
	}
	return nil
}

func (s *MemoryStore) ListBaselines(context.Context) ([]model.Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Baseline, 0, len(s.baselines))
	for _, b := range s.baselines {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProducerID < out[j].ProducerID })
	return out, nil
}

func (s *MemoryStore) AppendRecord(_ context.Context, rec *model.DistributionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(rec)
	return nil
}

func (s *MemoryStore) appendLocked(rec *model.DistributionRecord) {
	s.seq++
	rec.Seq = s.seq
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.ConfirmedAt.IsZero() {
		rec.ConfirmedAt = s.nowFunc()
	}
	s.records = append(s.records, *rec)
}

func (s *MemoryStore) ListRecords(_ context.Context, filter RecordFilter) ([]model.DistributionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := listLimit(filter.Limit)
	var out []model.DistributionRecord
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.records[i]
		if filter.ProducerID != "" && r.ProducerID != filter.ProducerID {
			continue
		}
		if filter.RunID != "" && r.RunID != filter.RunID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *MemoryStore) PutPending(_ context.Context, p model.PendingTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[p.ProducerID] = p
	return nil
}

func (s *MemoryStore) GetPending(_ context.Context, producerID string) (*model.PendingTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[producerID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryStore) DeletePending(_ context.Context, producerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, producerID)
	return nil
}

func (s *MemoryStore) ListPending(context.Context) ([]model.PendingTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.PendingTransfer, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *MemoryStore) CommitTransfer(_ context.Context, rec *model.DistributionRecord, newBaseline model.Quantity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.advanceLocked(rec.ProducerID, newBaseline); err != nil {
		return err
	}
	s.appendLocked(rec)
	delete(s.pending, rec.ProducerID)
	return nil
}
