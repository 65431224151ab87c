package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/r0nw4lk3r31/tillcore/pkg/keys"
	"github.com/r0nw4lk3r31/tillcore/pkg/migrate"
	"github.com/r0nw4lk3r31/tillcore/pkg/store"
)

// builtinMigrations returns the schema migrations every tillcore deployment
// carries, in version order.
func builtinMigrations() []migrate.Migration {
	return []migrate.Migration{
		{
			ID:      "2026-01-catalog-index",
			Version: 1,
			Name:    "Build the catalog meta index",
			Source:  "derive meta:index:catalog from product and category keys",
			Up:      buildCatalogIndex,
			Validate: func(ctx context.Context, s *store.TieredStore) (bool, error) {
				_, err := s.Load(ctx, keys.MetaIndex("catalog"), store.TierCold)
				if err != nil {
					return false, fmt.Errorf("catalog index missing after build: %w", err)
				}
				return true, nil
			},
		},
		{
			ID:        "2026-02-stock-level-reserved",
			Version:   2,
			Name:      "Add the reserved counter to stock levels",
			DependsOn: []string{"2026-01-catalog-index"},
			Source:    "rewrite stock_level:* values lacking a reserved field",
			Up:        addReservedToStockLevels,
		},
	}
}

// buildCatalogIndex writes a single meta:index:catalog entry listing every
// product and category id, so terminals can enumerate the catalog without a
// full prefix scan.
func buildCatalogIndex(ctx context.Context, s *store.TieredStore) error {
	index := struct {
		Products   []string `json:"products"`
		Categories []string `json:"categories"`
	}{}

	var err error
	if index.Products, err = kindIDs(ctx, s, keys.KindProduct); err != nil {
		return err
	}
	if index.Categories, err = kindIDs(ctx, s, keys.KindCategory); err != nil {
		return err
	}

	raw, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("encode catalog index: %w", err)
	}
	return s.Save(ctx, keys.MetaIndex("catalog"), raw, store.TierCold)
}

func kindIDs(ctx context.Context, s *store.TieredStore, kind keys.Kind) ([]string, error) {
	ks, err := s.ListKind(ctx, store.TierCold, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s keys: %w", kind, err)
	}
	ids := make([]string, 0, len(ks))
	for _, k := range ks {
		ids = append(ids, k.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// addReservedToStockLevels rewrites stock level records that predate the
// reserved counter. Records already carrying the field are left untouched.
func addReservedToStockLevels(ctx context.Context, s *store.TieredStore) error {
	levelKeys, err := s.ListKind(ctx, store.TierCold, keys.KindStockLevel)
	if err != nil {
		return fmt.Errorf("list stock levels: %w", err)
	}

	for _, key := range levelKeys {
		raw, err := s.Load(ctx, key, store.TierCold)
		if err != nil {
			return fmt.Errorf("load %s: %w", key.String(), err)
		}
		var level map[string]any
		if err := json.Unmarshal(raw, &level); err != nil {
			return fmt.Errorf("decode %s: %w", key.String(), err)
		}
		if _, ok := level["reserved"]; ok {
			continue
		}
		level["reserved"] = 0
		updated, err := json.Marshal(level)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key.String(), err)
		}
		if err := s.Save(ctx, key, updated, store.TierCold); err != nil {
			return fmt.Errorf("save %s: %w", key.String(), err)
		}
	}
	return nil
}
