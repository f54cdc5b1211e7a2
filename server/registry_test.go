package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.teleportal.dev/core/document"
	"go.teleportal.dev/core/message"
	"go.teleportal.dev/core/pubsub"
	"go.teleportal.dev/core/storage"
)

func testDocConfig(docID string) document.Config {
	return document.Config{
		Storage:     storage.NewMemory(),
		PubSub:      pubsub.NewMemory(),
		Generator:   message.NewGenerator(),
		GracePeriod: time.Hour,
	}
}

func TestResolveReturnsSameSessionForSameDocID(t *testing.T) {
	var reg = NewRegistry(testDocConfig, nil, nil)

	a, err := reg.Resolve(context.Background(), "doc-1")
	require.NoError(t, err)
	b, err := reg.Resolve(context.Background(), "doc-1")
	require.NoError(t, err)

	require.Same(t, a, b)
	require.Equal(t, 1, reg.Count())
}

func TestResolveIsSingleFlightUnderConcurrency(t *testing.T) {
	var reg = NewRegistry(testDocConfig, nil, nil)

	var wg sync.WaitGroup
	var results = make([]*document.Session, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doc, err := reg.Resolve(context.Background(), "doc-1")
			require.NoError(t, err)
			results[i] = doc
		}(i)
	}
	wg.Wait()

	for _, doc := range results {
		require.Same(t, results[0], doc, "every concurrent Resolve for the same id must return the identical session")
	}
}

func TestResolveOpensDistinctSessionsForDistinctIDs(t *testing.T) {
	var reg = NewRegistry(testDocConfig, nil, nil)

	a, err := reg.Resolve(context.Background(), "doc-1")
	require.NoError(t, err)
	b, err := reg.Resolve(context.Background(), "doc-2")
	require.NoError(t, err)

	require.NotSame(t, a, b)
	require.Equal(t, 2, reg.Count())
}

func TestResolveReopensAfterPriorSessionClosed(t *testing.T) {
	var reg = NewRegistry(testDocConfig, nil, nil)

	a, err := reg.Resolve(context.Background(), "doc-1")
	require.NoError(t, err)
	a.Shutdown("test teardown")

	require.Eventually(t, func() bool {
		return a.Lifecycle() == document.Closed
	}, time.Second, time.Millisecond)

	b, err := reg.Resolve(context.Background(), "doc-1")
	require.NoError(t, err)
	require.NotSame(t, a, b)
}

func TestOnOpenHookFiresOncePerNewDocument(t *testing.T) {
	var mu sync.Mutex
	var opened []string
	var reg = NewRegistry(testDocConfig, nil, func(docID string) {
		mu.Lock()
		defer mu.Unlock()
		opened = append(opened, docID)
	})

	reg.Resolve(context.Background(), "doc-1")
	reg.Resolve(context.Background(), "doc-1")
	reg.Resolve(context.Background(), "doc-2")

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []string{"doc-1", "doc-2"}, opened)
}

func TestSweepRemovesOnlyClosedSessions(t *testing.T) {
	var reg = NewRegistry(testDocConfig, nil, nil)

	live, err := reg.Resolve(context.Background(), "doc-live")
	require.NoError(t, err)
	closed, err := reg.Resolve(context.Background(), "doc-closed")
	require.NoError(t, err)

	closed.Shutdown("test teardown")
	require.Eventually(t, func() bool {
		return closed.Lifecycle() == document.Closed
	}, time.Second, time.Millisecond)

	reg.Sweep()

	require.Equal(t, 1, reg.Count())
	_, ok := reg.Lookup("doc-closed")
	require.False(t, ok)
	_, ok = reg.Lookup("doc-live")
	require.True(t, ok)
	live.Shutdown("test cleanup")
}

func TestShutdownAllTearsDownEverySession(t *testing.T) {
	var reg = NewRegistry(testDocConfig, nil, nil)

	a, err := reg.Resolve(context.Background(), "doc-1")
	require.NoError(t, err)
	b, err := reg.Resolve(context.Background(), "doc-2")
	require.NoError(t, err)

	reg.ShutdownAll("test shutdown")

	require.Eventually(t, func() bool {
		return a.Lifecycle() == document.Closed && b.Lifecycle() == document.Closed
	}, time.Second, time.Millisecond)
}
