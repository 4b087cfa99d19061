package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCloudEventRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(ctx, NewMemoryBackend())
	require.NoError(t, err)

	entry, err := store.Append(ctx, EventDelegation, "did:mesh:issuer", map[string]interface{}{"caps": []interface{}{"read:*"}})
	require.NoError(t, err)

	ce, err := ToCloudEvent(entry)
	require.NoError(t, err)
	require.Equal(t, "1.0", ce.SpecVersion)
	require.Equal(t, "ai.agentmesh.delegation", ce.Type)
	require.Equal(t, entry.Hash, ce.ID)
	require.Equal(t, entry.Hash, ce.Hash)
	require.Equal(t, entry.PriorHash, ce.PrevHash)
	require.Equal(t, entry.Seq, ce.Seq)

	back, err := FromCloudEvent(ce)
	require.NoError(t, err)
	require.Equal(t, entry.Hash, back.Hash)
	require.Equal(t, entry.PriorHash, back.PriorHash)
	require.Equal(t, entry.Type, back.Type)
	require.Equal(t, entry.Actor, back.Actor)
	require.Equal(t, entry.Seq, back.Seq)
}

func TestExporterResumesFromCursor(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(ctx, NewMemoryBackend())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, EventCustom, "did:mesh:a", map[string]interface{}{"i": i})
		require.NoError(t, err)
	}

	exporter := NewExporter(store)

	first, err := exporter.Export(ctx, 0)
	require.NoError(t, err)
	require.Len(t, first, 5)

	resumed, err := exporter.Export(ctx, 3)
	require.NoError(t, err)
	require.Len(t, resumed, 2)
	require.Equal(t, uint64(3), resumed[0].Seq)
	require.Equal(t, uint64(4), resumed[1].Seq)
}

func TestStreamStopsOnConsumerError(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(ctx, NewMemoryBackend())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, EventCustom, "did:mesh:a", map[string]interface{}{"i": i})
		require.NoError(t, err)
	}

	exporter := NewExporter(store)

	var seen []uint64
	stop := errors.New("stop")
	err = exporter.Stream(ctx, 0, func(ce CloudEvent) error {
		seen = append(seen, ce.Seq)
		if len(seen) == 2 {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, []uint64{0, 1}, seen)

	// A fresh stream resumes cleanly from the consumer's cursor.
	var resumed []uint64
	require.NoError(t, exporter.Stream(ctx, 2, func(ce CloudEvent) error {
		resumed = append(resumed, ce.Seq)
		return nil
	}))
	require.Equal(t, []uint64{2, 3, 4}, resumed)
}

func TestExporterPastEndReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(ctx, NewMemoryBackend())
	require.NoError(t, err)
	_, err = store.Append(ctx, EventCustom, "did:mesh:a", nil)
	require.NoError(t, err)

	exporter := NewExporter(store)
	out, err := exporter.Export(ctx, 100)
	require.NoError(t, err)
	require.Empty(t, out)
}
