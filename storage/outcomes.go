// Package storage persists completed analysis outcomes in NATS KV.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/qaforge/qaforge/analysis"
)

// BucketOutcomes is the KV bucket holding completed analyses.
const BucketOutcomes = "QAFORGE_OUTCOMES"

// outcomeHistory keeps prior revisions so an accidental overwrite is
// recoverable from the bucket itself.
const outcomeHistory = 5

// Store persists analysis outcomes, keyed by session ID. It satisfies
// analysis.OutcomeStore.
type Store struct {
	outcomes jetstream.KeyValue
}

// NewStore creates a Store over the given JetStream context, creating
// the outcomes bucket if it does not exist.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	outcomes, err := getOrCreateBucket(ctx, js, BucketOutcomes)
	if err != nil {
		return nil, fmt.Errorf("create outcomes bucket: %w", err)
	}

	return &Store{outcomes: outcomes}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "QAForge analysis outcomes",
		History:     outcomeHistory,
	})
}

// SaveOutcome stores a completed outcome under its session ID.
func (s *Store) SaveOutcome(ctx context.Context, outcome *analysis.Outcome) error {
	if outcome.ID == "" {
		return fmt.Errorf("outcome has no ID")
	}

	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	if _, err := s.outcomes.Put(ctx, outcome.ID, data); err != nil {
		return fmt.Errorf("store outcome: %w", err)
	}

	return nil
}

// GetOutcome retrieves an outcome by session ID.
func (s *Store) GetOutcome(ctx context.Context, id string) (*analysis.Outcome, error) {
	entry, err := s.outcomes.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get outcome: %w", err)
	}

	var outcome analysis.Outcome
	if err := json.Unmarshal(entry.Value(), &outcome); err != nil {
		return nil, fmt.Errorf("unmarshal outcome: %w", err)
	}

	return &outcome, nil
}

// ListOutcomes returns all stored outcomes, most recent first.
func (s *Store) ListOutcomes(ctx context.Context) ([]*analysis.Outcome, error) {
	keys, err := s.outcomes.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list outcome keys: %w", err)
	}

	outcomes := make([]*analysis.Outcome, 0, len(keys))
	for _, key := range keys {
		entry, err := s.outcomes.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var o analysis.Outcome
		if err := json.Unmarshal(entry.Value(), &o); err != nil {
			continue
		}
		outcomes = append(outcomes, &o)
	}

	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].CreatedAt.After(outcomes[j].CreatedAt)
	})

	return outcomes, nil
}

// DeleteOutcome removes an outcome by session ID.
func (s *Store) DeleteOutcome(ctx context.Context, id string) error {
	if err := s.outcomes.Delete(ctx, id); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete outcome: %w", err)
	}
	return nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "key not found")
}
