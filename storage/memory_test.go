package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryHandleUpdateAndGetDocument(t *testing.T) {
	var m = NewMemory()
	var ctx = context.Background()

	doc, err := m.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Nil(t, doc, "an undocumented document is a legal empty state")

	require.NoError(t, m.HandleUpdate(ctx, "doc-1", []byte("abc")))
	require.NoError(t, m.HandleUpdate(ctx, "doc-1", []byte("def")))

	doc, err = m.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, []byte("abcdef"), doc.Update)
}

func TestMemoryHandleSyncStep1ReturnsOnlyUnseenSuffix(t *testing.T) {
	var m = NewMemory()
	var ctx = context.Background()

	require.NoError(t, m.HandleUpdate(ctx, "doc-1", []byte("abcdef")))

	doc, err := m.GetDocument(ctx, "doc-1")
	require.NoError(t, err)

	// A remote presenting a state vector for only the first 3 bytes
	// should receive just the remaining 3 as its diff.
	diff, err := m.HandleSyncStep1(ctx, "doc-1", encodeSV(3))
	require.NoError(t, err)
	require.Equal(t, []byte("def"), diff.Update)
	_ = doc
}

func TestMemoryHandleSyncStep1WithUnknownPeerReturnsFullHistory(t *testing.T) {
	var m = NewMemory()
	var ctx = context.Background()
	require.NoError(t, m.HandleUpdate(ctx, "doc-1", []byte("abc")))

	diff, err := m.HandleSyncStep1(ctx, "doc-1", encodeSV(0))
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), diff.Update)
}

func TestMemoryMetadataRoundTrip(t *testing.T) {
	var m = NewMemory()
	var ctx = context.Background()

	meta, err := m.GetDocumentMetadata(ctx, "doc-1")
	require.NoError(t, err)
	require.Nil(t, meta)

	require.NoError(t, m.WriteDocumentMetadata(ctx, "doc-1", &Metadata{Encrypted: true}))

	meta, err = m.GetDocumentMetadata(ctx, "doc-1")
	require.NoError(t, err)
	require.True(t, meta.Encrypted)
}

func TestMemoryDeleteDocument(t *testing.T) {
	var m = NewMemory()
	var ctx = context.Background()
	require.NoError(t, m.HandleUpdate(ctx, "doc-1", []byte("abc")))
	require.NoError(t, m.WriteDocumentMetadata(ctx, "doc-1", &Metadata{}))

	require.NoError(t, m.DeleteDocument(ctx, "doc-1"))

	doc, err := m.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Nil(t, doc)

	meta, err := m.GetDocumentMetadata(ctx, "doc-1")
	require.NoError(t, err)
	require.Nil(t, meta)
}

func TestMemoryRespectsCancelledContext(t *testing.T) {
	var m = NewMemory()
	var ctx, cancel = context.WithCancel(context.Background())
	cancel()

	_, err := m.GetDocument(ctx, "doc-1")
	require.Error(t, err)
}
