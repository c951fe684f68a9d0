package app

import (
	"context"
	"fmt"
	"io"

	"go.yaml.in/yaml/v3"

	"chaser/internal/model"
	"chaser/internal/storage"
)

// Fixtures is the "chaser seed" file: reference facts for local runs.
type Fixtures struct {
	Recipients      []model.Recipient      `yaml:"recipients"`
	OwnershipItems  []model.OwnershipItem  `yaml:"ownership_items"`
	TerminalActions []model.TerminalAction `yaml:"terminal_actions"`
}

// SeedCounts reports what Seed wrote.
type SeedCounts struct {
	Recipients      int
	OwnershipItems  int
	TerminalActions int
}

// DecodeFixtures strictly decodes a YAML fixtures document.
func DecodeFixtures(r io.Reader) (Fixtures, error) {
	var fx Fixtures
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fx); err != nil && err != io.EOF {
		return Fixtures{}, fmt.Errorf("decoding fixtures: %w", err)
	}
	return fx, nil
}

// Seed upserts fx into store in dependency order.
func Seed(ctx context.Context, store storage.Store, fx Fixtures) (SeedCounts, error) {
	var n SeedCounts
	for _, r := range fx.Recipients {
		if err := store.PutRecipient(ctx, r); err != nil {
			return n, fmt.Errorf("recipient %s: %w", r.ID, err)
		}
		n.Recipients++
	}
	for _, it := range fx.OwnershipItems {
		if err := store.PutOwnershipItem(ctx, it); err != nil {
			return n, fmt.Errorf("ownership item %s: %w", it.ID, err)
		}
		n.OwnershipItems++
	}
	for _, a := range fx.TerminalActions {
		if err := store.PutTerminalAction(ctx, a); err != nil {
			return n, fmt.Errorf("terminal action %s: %w", a.OwnershipItemID, err)
		}
		n.TerminalActions++
	}
	return n, nil
}
