package database

import (
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	all, err := Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, all)
	assert.Equal(t, "001", all[0].Version)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Version, all[i].Version)
	}
	for _, m := range all {
		assert.NotEmpty(t, m.SQL, m.Name)
	}
}

func TestDiagnosticsIndexMatchesItsPredicate(t *testing.T) {
	all, err := Migrations()
	require.NoError(t, err)
	var schema strings.Builder
	for _, m := range all {
		schema.WriteString(m.SQL)
	}
	sql := schema.String()
	assert.Contains(t, sql, "idx_domain_events_diagnostics ON domain_events (created_at) WHERE processing_error IS NOT NULL")
	assert.NotContains(t, sql, "CREATE INDEX IF NOT EXISTS idx_domain_events_unprocessed")
	assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS public_names")
}

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"m/002_b.sql": {Data: []byte("SELECT 2")},
		"m/001_a.sql": {Data: []byte("SELECT 1")},
		"m/README.md": {Data: []byte("docs")},
		"m/010_c.sql": {Data: []byte("SELECT 10")},
	}
	all, err := loadMigrations(fsys, "m")
	require.NoError(t, err)
	var names []string
	for _, m := range all {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"001_a.sql", "002_b.sql", "010_c.sql"}, names)

	_, err = loadMigrations(fstest.MapFS{
		"m/001_a.sql":     {Data: []byte("SELECT 1")},
		"m/001_again.sql": {Data: []byte("SELECT 1")},
	}, "m")
	assert.ErrorContains(t, err, "share version 001")

	_, err = loadMigrations(fstest.MapFS{"m/init.sql": {Data: []byte("SELECT 1")}}, "m")
	assert.Error(t, err)
}

func TestPendingSkipsAppliedVersions(t *testing.T) {
	all := []Migration{{Version: "001"}, {Version: "002"}, {Version: "003"}}
	pending := Pending(all, map[string]bool{"001": true, "003": true})
	require.Len(t, pending, 1)
	assert.Equal(t, "002", pending[0].Version)
	assert.Empty(t, Pending(all, map[string]bool{"001": true, "002": true, "003": true}))
}
