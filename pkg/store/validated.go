package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/r0nw4lk3r31/tillcore/pkg/keys"
)

// validate is shared across all validated writes. validator.Validate is safe
// for concurrent use and caches struct metadata.
var validate = validator.New()

// UpdateValidated performs a serialized read-modify-write on a JSON document
// of type T, rejecting structurally invalid results before persistence.
//
// The current value is decoded into T (the zero value when the key is
// absent), the mutator modifies it in place, and the result is checked
// against T's `validate` struct tags. A failed check returns an ErrValidation
// StoreError and writes nothing.
func UpdateValidated[T any](ctx context.Context, s *TieredStore, key keys.Key, tier Tier, fn func(*T) error) error {
	return s.UpdateWithLock(ctx, key, tier, func(current []byte) ([]byte, error) {
		var doc T
		if current != nil {
			if err := json.Unmarshal(current, &doc); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
		}
		if err := fn(&doc); err != nil {
			return nil, err
		}
		if err := validate.Struct(&doc); err != nil {
			return nil, NewValidationError(key.String(), tier, err)
		}
		return json.Marshal(&doc)
	})
}

// SaveValidated stores a JSON document of type T after checking its
// `validate` struct tags. Invalid documents are rejected with an
// ErrValidation StoreError and nothing is written.
func SaveValidated[T any](ctx context.Context, s *TieredStore, key keys.Key, doc *T, tier Tier) error {
	if err := validate.Struct(doc); err != nil {
		return NewValidationError(key.String(), tier, err)
	}
	value, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Save(ctx, key, value, tier)
}

// LoadJSON loads and decodes a JSON document of type T.
func LoadJSON[T any](ctx context.Context, s *TieredStore, key keys.Key, tier Tier) (*T, error) {
	value, err := s.Load(ctx, key, tier)
	if err != nil {
		return nil, err
	}
	var doc T
	if err := json.Unmarshal(value, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &doc, nil
}
