package replica

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "mindmesh-backend/pkg/errors"
)

func TestWriteQueueRejectsWhenFull(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 4)
	q := newWriteQueue(1, func(ctx context.Context) error {
		started <- struct{}{}
		<-block
		return nil
	}, zap.NewNop())
	defer func() {
		close(block)
		q.close()
	}()

	// Occupy the worker, then fill the single buffered slot.
	results := make(chan error, 2)
	go func() { results <- q.enqueue(context.Background()) }()
	<-started
	go func() { results <- q.enqueue(context.Background()) }()
	require.Eventually(t, func() bool { return len(q.jobs) == 1 },
		time.Second, time.Millisecond)

	err := q.enqueue(context.Background())
	require.Error(t, err)
	assert.True(t, appErrors.IsTransient(err))
}

func TestWriteQueueHonorsCallerCancellation(t *testing.T) {
	block := make(chan struct{})
	q := newWriteQueue(4, func(ctx context.Context) error {
		<-block
		return nil
	}, zap.NewNop())
	defer func() {
		close(block)
		q.close()
	}()

	go q.enqueue(context.Background())
	require.Eventually(t, func() bool { return len(q.jobs) == 0 },
		time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.enqueue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
