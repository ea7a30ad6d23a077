package tracestore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/hiplan/internal/observability"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	embedder Embedder

	mu        sync.RWMutex
	records   map[string][]StepRecord
	vectors   map[string][]float32
	snapshots map[string][]PlanSnapshot
	sessions  map[string]SessionRecord
}

// NewMemoryStore creates an in-memory store. embedder may be nil, in which
// case Search ranks by keywords only. Embed calls are bounded by
// DefaultEmbedTimeout unless embedder already carries a timeout.
func NewMemoryStore(embedder Embedder) *MemoryStore {
	if _, bounded := embedder.(*timeoutEmbedder); !bounded {
		embedder = WithTimeout(embedder, 0)
	}
	return &MemoryStore{
		embedder:  embedder,
		records:   make(map[string][]StepRecord),
		vectors:   make(map[string][]float32),
		snapshots: make(map[string][]PlanSnapshot),
		sessions:  make(map[string]SessionRecord),
	}
}

func (s *MemoryStore) Append(ctx context.Context, rec StepRecord) (StepRecord, error) {
	if err := validateRecord(rec); err != nil {
		observability.RecordTraceAppend(string(rec.Phase), false)
		return StepRecord{}, err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	var vec []float32
	if s.embedder != nil {
		if vecs, err := s.embedder.Embed(ctx, []string{searchText(rec)}); err == nil && len(vecs) == 1 {
			vec = vecs[0]
		}
	}

	s.mu.Lock()
	rec.Seq = int64(len(s.records[rec.SessionID])) + 1
	s.records[rec.SessionID] = append(s.records[rec.SessionID], rec)
	if vec != nil {
		s.vectors[recordKey(rec.SessionID, rec.Seq)] = vec
	}
	s.mu.Unlock()

	observability.RecordTraceAppend(string(rec.Phase), true)
	return rec, nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap PlanSnapshot) error {
	if snap.SessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.SessionID] = append(s.snapshots[snap.SessionID], snap)
	return nil
}

func (s *MemoryStore) SaveSession(_ context.Context, sess SessionRecord) error {
	if sess.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *MemoryStore) Records(_ context.Context, sessionID string) ([]StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]StepRecord(nil), s.records[sessionID]...), nil
}

func (s *MemoryStore) Snapshots(_ context.Context, sessionID string) ([]PlanSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]PlanSnapshot(nil), s.snapshots[sessionID]...), nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, sessionID string) (PlanSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[sessionID]
	if len(snaps) == 0 {
		return PlanSnapshot{}, fmt.Errorf("snapshot for session %s: %w", sessionID, ErrNotFound)
	}
	return snaps[len(snaps)-1], nil
}

func (s *MemoryStore) Session(_ context.Context, sessionID string) (SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return SessionRecord{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return sess, nil
}

// Search scores keyword hits by the number of query tokens a record
// contains and vector hits by cosine similarity.
func (s *MemoryStore) Search(ctx context.Context, sessionID, query string, limit int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return []SearchResult{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	var queryVec []float32
	if s.embedder != nil {
		vecs, err := s.embedder.Embed(ctx, []string{query})
		if err == nil && len(vecs) == 1 {
			queryVec = vecs[0]
		}
	}
	queryTokens := tokenize(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	byKey := make(map[string]StepRecord)
	vector := make(map[string]float64)
	keyword := make(map[string]float64)

	for sid, recs := range s.records {
		if sessionID != "" && sid != sessionID {
			continue
		}
		for _, rec := range recs {
			key := recordKey(rec.SessionID, rec.Seq)
			byKey[key] = rec

			tokens := make(map[string]bool)
			for _, t := range tokenize(searchText(rec)) {
				tokens[t] = true
			}
			var hits float64
			for _, t := range queryTokens {
				if tokens[t] {
					hits++
				}
			}
			if hits > 0 {
				keyword[key] = hits
			}
			if vec, ok := s.vectors[key]; ok && queryVec != nil {
				if sim := cosine(queryVec, vec); sim > 0 {
					vector[key] = sim
				}
			}
		}
	}

	merged := mergeScores(vector, keyword)
	results := make([]SearchResult, 0, limit)
	for _, m := range merged {
		if len(results) == limit {
			break
		}
		results = append(results, SearchResult{
			Record:       byKey[m.key],
			Score:        m.score,
			VectorScore:  m.vectorScore,
			KeywordScore: m.keywordScore,
		})
	}
	return results, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
