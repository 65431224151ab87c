// Package keys defines the typed storage-key scheme used across tiers.
//
// Consumers address entities through a small set of key kinds rather than
// free-form strings. Each kind owns a wire prefix ("product:", "evt:", ...)
// so that stored keys stay compatible with existing readers, while code
// constructs and matches keys through the Kind enum and is checked by the
// compiler instead of by string comparison.
package keys

import (
	"fmt"
	"strings"
)

// Kind identifies the entity class a storage key addresses.
type Kind int

const (
	KindUnknown Kind = iota
	KindProduct
	KindEmployee
	KindTable
	KindStockLevel
	KindCategory
	KindEvent
	KindMigrationRecord
	KindMigrationBackup
	KindMigrationState
	KindSchemaVersion
	KindMetaIndex
)

// prefixes maps each kind to its wire prefix. Singleton kinds map to the full
// key instead of a prefix.
var prefixes = map[Kind]string{
	KindProduct:         "product:",
	KindEmployee:        "employee:",
	KindTable:           "table:",
	KindStockLevel:      "stock_level:",
	KindCategory:        "category:",
	KindEvent:           "evt:",
	KindMigrationRecord: "system:migration:",
	KindMigrationBackup: "system:migration:backup:",
	KindMigrationState:  "system:migration:state",
	KindSchemaVersion:   "system:schema:version",
	KindMetaIndex:       "meta:index:",
}

// String returns a human-readable kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindProduct:
		return "product"
	case KindEmployee:
		return "employee"
	case KindTable:
		return "table"
	case KindStockLevel:
		return "stock_level"
	case KindCategory:
		return "category"
	case KindEvent:
		return "event"
	case KindMigrationRecord:
		return "migration_record"
	case KindMigrationBackup:
		return "migration_backup"
	case KindMigrationState:
		return "migration_state"
	case KindSchemaVersion:
		return "schema_version"
	case KindMetaIndex:
		return "meta_index"
	default:
		return "unknown"
	}
}

// Prefix returns the wire prefix for listing all keys of a kind.
func (k Kind) Prefix() string {
	return prefixes[k]
}

// Key is a typed storage key: a kind plus an entity identifier.
// Singleton kinds (MigrationState, SchemaVersion) carry an empty ID.
type Key struct {
	Kind Kind
	ID   string
}

// singleton reports whether the kind addresses exactly one key.
func (k Kind) singleton() bool {
	return k == KindMigrationState || k == KindSchemaVersion
}

// Product returns the key for a product entity.
func Product(id string) Key { return Key{Kind: KindProduct, ID: id} }

// Employee returns the key for an employee entity.
func Employee(id string) Key { return Key{Kind: KindEmployee, ID: id} }

// Table returns the key for a table entity.
func Table(id string) Key { return Key{Kind: KindTable, ID: id} }

// StockLevel returns the key for a product's stock level.
func StockLevel(productID string) Key { return Key{Kind: KindStockLevel, ID: productID} }

// Category returns the key for a product category.
func Category(id string) Key { return Key{Kind: KindCategory, ID: id} }

// Event returns the key for a stored event.
func Event(id string) Key { return Key{Kind: KindEvent, ID: id} }

// MigrationRecord returns the key for one migration's history record.
func MigrationRecord(id string) Key { return Key{Kind: KindMigrationRecord, ID: id} }

// MigrationBackup returns the key for a stored tier backup.
func MigrationBackup(id string) Key { return Key{Kind: KindMigrationBackup, ID: id} }

// MigrationState returns the singleton migration-state key.
func MigrationState() Key { return Key{Kind: KindMigrationState} }

// SchemaVersion returns the singleton schema-version key.
func SchemaVersion() Key { return Key{Kind: KindSchemaVersion} }

// MetaIndex returns the key for a named secondary index.
func MetaIndex(name string) Key { return Key{Kind: KindMetaIndex, ID: name} }

// String renders the wire form of the key.
func (k Key) String() string {
	if k.Kind.singleton() {
		return prefixes[k.Kind]
	}
	return prefixes[k.Kind] + k.ID
}

// Valid reports whether the key has a known kind and, for non-singleton
// kinds, a non-empty ID.
func (k Key) Valid() bool {
	if _, ok := prefixes[k.Kind]; !ok {
		return false
	}
	if k.Kind.singleton() {
		return k.ID == ""
	}
	return k.ID != ""
}

// parseOrder lists kinds longest-prefix first so that "system:migration:state"
// wins over the "system:migration:" record prefix.
var parseOrder = []Kind{
	KindMigrationState,
	KindSchemaVersion,
	KindMigrationBackup,
	KindMigrationRecord,
	KindStockLevel,
	KindMetaIndex,
	KindProduct,
	KindEmployee,
	KindTable,
	KindCategory,
	KindEvent,
}

// Parse decodes a wire key back into its typed form.
// Returns an error for keys outside the known namespaces.
func Parse(raw string) (Key, error) {
	for _, kind := range parseOrder {
		prefix := prefixes[kind]
		if kind.singleton() {
			if raw == prefix {
				return Key{Kind: kind}, nil
			}
			continue
		}
		if strings.HasPrefix(raw, prefix) {
			id := raw[len(prefix):]
			if id == "" {
				return Key{}, fmt.Errorf("key %q has empty id", raw)
			}
			return Key{Kind: kind, ID: id}, nil
		}
	}
	return Key{}, fmt.Errorf("key %q is outside known namespaces", raw)
}
