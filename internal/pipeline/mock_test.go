package pipeline

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/bid-analyzer/internal/acquire"
	"github.com/sells-group/bid-analyzer/internal/extract"
	"github.com/sells-group/bid-analyzer/internal/model"
)

// --- Acquirer Mock ---

type mockAcquirer struct {
	mock.Mock
}

func (m *mockAcquirer) Acquire(ctx context.Context, opp model.Opportunity) (*acquire.Result, error) {
	args := m.Called(ctx, opp)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*acquire.Result), args.Error(1)
}

// --- Extractor Mock ---

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) Extract(ctx context.Context, docs []model.Document) (*extract.Output, error) {
	args := m.Called(ctx, docs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*extract.Output), args.Error(1)
}

// --- Scorer fake ---

type countingScorer struct {
	mu    sync.Mutex
	calls int
	out   model.ComplianceAssessment
}

func (s *countingScorer) Score(string, int) model.ComplianceAssessment {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.out
}

func (s *countingScorer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// --- Locker fake ---

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]string
	released []string
	extended int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]string{}}
}

func (l *fakeLocker) Acquire(_ context.Context, keys []string, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		if _, ok := l.held[k]; ok {
			return false, nil
		}
	}
	for _, k := range keys {
		l.held[k] = owner
	}
	return true, nil
}

func (l *fakeLocker) Extend(context.Context, []string, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extended++
	return nil
}

func (l *fakeLocker) Release(_ context.Context, keys []string, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		if l.held[k] == owner {
			delete(l.held, k)
			l.released = append(l.released, k)
		}
	}
	return nil
}
