package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
	"github.com/vladislavdragonenkov/paycoord/internal/storage/memory"
)

var _ domain.IdempotencyRepository = (*stubKeyRepo)(nil)

func TestKeyCleaner_DeleteExpired_Batches(t *testing.T) {
	t.Parallel()

	repo := &stubKeyRepo{deleteResults: []int{2, 2, 1}}
	cleaner := NewKeyCleaner(repo, 0, 2, nil)

	deleted, err := cleaner.DeleteExpired(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 5, deleted)
	assert.Equal(t, 3, repo.calls())
}

func TestKeyCleaner_DeleteExpired_Error(t *testing.T) {
	t.Parallel()

	repo := &stubKeyRepo{deleteErrors: []error{errors.New("boom")}}
	cleaner := NewKeyCleaner(repo, 0, 10, nil)

	deleted, err := cleaner.DeleteExpired(context.Background(), time.Now().UTC())
	require.Error(t, err)
	assert.Equal(t, 0, deleted)
}

func TestKeyCleaner_DeletesFromMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Now().UTC()

	_, err := store.Idempotency().CreateProcessing(ctx, "expired", "h1", now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = store.Idempotency().CreateProcessing(ctx, "alive", "h2", now.Add(time.Hour))
	require.NoError(t, err)

	deleted, err := NewKeyCleaner(store.Idempotency(), 0, 0, nil).DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.Idempotency().Get(ctx, "expired")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
	_, err = store.Idempotency().Get(ctx, "alive")
	require.NoError(t, err)
}

func TestKeyCleaner_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := &stubKeyRepo{}
	cleaner := NewKeyCleaner(repo, 5*time.Millisecond, 10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		cleaner.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleaner did not stop on context cancel")
	}
	assert.Positive(t, repo.calls())
}

type stubKeyRepo struct {
	mu sync.Mutex

	deleteResults []int
	deleteErrors  []error
	callCount     int
}

func (s *stubKeyRepo) CreateProcessing(context.Context, string, string, time.Time) (domain.IdempotencyRecord, error) {
	panic("not implemented")
}

func (s *stubKeyRepo) Get(context.Context, string) (domain.IdempotencyRecord, error) {
	panic("not implemented")
}

func (s *stubKeyRepo) MarkDone(context.Context, string, []byte, int) error {
	panic("not implemented")
}

func (s *stubKeyRepo) MarkFailed(context.Context, string, []byte, int) error {
	panic("not implemented")
}

func (s *stubKeyRepo) DeleteExpired(context.Context, time.Time, int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	if len(s.deleteErrors) > 0 {
		err := s.deleteErrors[0]
		s.deleteErrors = s.deleteErrors[1:]
		if err != nil {
			return 0, err
		}
	}
	if len(s.deleteResults) == 0 {
		return 0, nil
	}
	result := s.deleteResults[0]
	s.deleteResults = s.deleteResults[1:]
	return result, nil
}

func (s *stubKeyRepo) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}
