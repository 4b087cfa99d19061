package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CloudEvent is the export envelope per entry: specversion 1.0, with the
// chain linkage carried as extension attributes so a downstream consumer
// can verify hashes without holding the full chain.
type CloudEvent struct {
	SpecVersion     string          `json:"specversion"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	ID              string          `json:"id"`
	Time            string          `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	Data            json.RawMessage `json:"data"`

	Seq      uint64 `json:"agentmeshseq"`
	Hash     string `json:"agentmeshhash"`
	PrevHash string `json:"agentmeshprevhash"`
}

// ToCloudEvent converts an audit Entry to its CloudEvents v1.0 envelope.
func ToCloudEvent(e Entry) (CloudEvent, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return CloudEvent{}, fmt.Errorf("audit: marshal payload for export: %w", err)
	}
	return CloudEvent{
		SpecVersion:     "1.0",
		Type:            "ai.agentmesh." + string(e.Type),
		Source:          e.Actor,
		ID:              e.Hash,
		Time:            e.WallTime.UTC().Format(time.RFC3339Nano),
		DataContentType: "application/json",
		Data:            data,
		Seq:             e.Seq,
		Hash:            e.Hash,
		PrevHash:        e.PriorHash,
	}, nil
}

// FromCloudEvent recovers the fields of an Entry that round-trip through
// a CloudEvent; PayloadCanonical is left empty since canonicalization is
// the writer's responsibility, not the reader's.
func FromCloudEvent(ce CloudEvent) (Entry, error) {
	var payload interface{}
	if err := json.Unmarshal(ce.Data, &payload); err != nil {
		return Entry{}, fmt.Errorf("audit: unmarshal export data: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, ce.Time)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: parse export time: %w", err)
	}

	eventType := ce.Type
	const prefix = "ai.agentmesh."
	if len(eventType) > len(prefix) && eventType[:len(prefix)] == prefix {
		eventType = eventType[len(prefix):]
	}

	return Entry{
		Seq:       ce.Seq,
		WallTime:  ts,
		Type:      EventType(eventType),
		Actor:     ce.Source,
		Payload:   payload,
		PriorHash: ce.PrevHash,
		Hash:      ce.Hash,
	}, nil
}

// Exporter produces a restartable, ordered stream of CloudEvents
// envelopes starting at a given sequence number, so a consumer that
// tracks its own cursor can resume an interrupted export without
// re-reading entries it already has.
type Exporter struct {
	store *Store
}

// NewExporter wraps store for CloudEvents export.
func NewExporter(store *Store) *Exporter {
	return &Exporter{store: store}
}

// Stream yields every entry with seq >= since, converted to its
// CloudEvents envelope, in ascending seq order, one at a time — entries
// are read lazily from the store, never materialized as a whole. fn
// returning an error stops the stream and propagates it; callers resume
// an interrupted export by passing the last consumed seq + 1.
func (x *Exporter) Stream(ctx context.Context, since uint64, fn func(CloudEvent) error) error {
	n, err := x.store.Len(ctx)
	if err != nil {
		return err
	}

	for seq := since; seq < n; seq++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entry, ok, err := x.store.Get(ctx, seq)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		ce, err := ToCloudEvent(entry)
		if err != nil {
			return err
		}
		if err := fn(ce); err != nil {
			return err
		}
	}
	return nil
}

// Export collects Stream's output into a slice, for callers that want
// the whole range at once.
func (x *Exporter) Export(ctx context.Context, since uint64) ([]CloudEvent, error) {
	var out []CloudEvent
	err := x.Stream(ctx, since, func(ce CloudEvent) error {
		out = append(out, ce)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
