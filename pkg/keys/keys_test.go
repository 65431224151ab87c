package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyWireForm(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{"product", Product("p-1"), "product:p-1"},
		{"employee", Employee("e-9"), "employee:e-9"},
		{"table", Table("T4"), "table:T4"},
		{"stock level", StockLevel("p-1"), "stock_level:p-1"},
		{"category", Category("drinks"), "category:drinks"},
		{"event", Event("01HV"), "evt:01HV"},
		{"migration record", MigrationRecord("add-categories"), "system:migration:add-categories"},
		{"migration backup", MigrationBackup("b-1"), "system:migration:backup:b-1"},
		{"migration state", MigrationState(), "system:migration:state"},
		{"schema version", SchemaVersion(), "system:schema:version"},
		{"meta index", MetaIndex("products_by_category"), "meta:index:products_by_category"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.key.String())
			assert.True(t, tt.key.Valid())
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, key := range []Key{
		Product("p-1"),
		StockLevel("p-1"),
		MigrationRecord("m1"),
		MigrationBackup("b1"),
		MigrationState(),
		SchemaVersion(),
		MetaIndex("open_tables"),
	} {
		parsed, err := Parse(key.String())
		require.NoError(t, err, "key %s", key)
		assert.Equal(t, key, parsed)
	}
}

func TestParseDisambiguatesMigrationState(t *testing.T) {
	// "system:migration:state" must parse as the state singleton, not as a
	// migration record with id "state".
	parsed, err := Parse("system:migration:state")
	require.NoError(t, err)
	assert.Equal(t, KindMigrationState, parsed.Kind)
	assert.Empty(t, parsed.ID)
}

func TestParseRejectsUnknownNamespace(t *testing.T) {
	_, err := Parse("bogus:123")
	assert.Error(t, err)

	_, err = Parse("product:")
	assert.Error(t, err, "empty id must be rejected")
}

func TestInvalidKeys(t *testing.T) {
	assert.False(t, Key{Kind: KindProduct}.Valid(), "non-singleton needs an id")
	assert.False(t, Key{Kind: KindUnknown, ID: "x"}.Valid())
	assert.False(t, Key{Kind: KindMigrationState, ID: "x"}.Valid(), "singleton must not carry an id")
}
