package migrations_test

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docflow/db/migrations"
)

var (
	createTable = regexp.MustCompile(`^CREATE TABLE IF NOT EXISTS (\w+)`)
	createIndex = regexp.MustCompile(`^CREATE (?:UNIQUE )?INDEX IF NOT EXISTS (\w+)`)
	spaces      = regexp.MustCompile(`\s+`)
)

type schema struct {
	tables  []string
	indexes map[string]string
	stmts   []string
}

func load(t *testing.T, dir string) schema {
	t.Helper()
	stmts, err := migrations.Statements(dir)
	require.NoError(t, err)
	s := schema{indexes: map[string]string{}}
	for _, stmt := range stmts {
		flat := spaces.ReplaceAllString(stmt, " ")
		s.stmts = append(s.stmts, flat)
		if m := createTable.FindStringSubmatch(flat); m != nil {
			s.tables = append(s.tables, m[1])
		}
		if m := createIndex.FindStringSubmatch(flat); m != nil {
			s.indexes[m[1]] = flat
		}
	}
	return s
}

func TestStatements_DialectsDeclareTheSameSchema(t *testing.T) {
	pg := load(t, "postgres")
	lite := load(t, "sqlite")

	assert.Equal(t, pg.tables, lite.tables, "tables are created in the same order")
	assert.Contains(t, pg.tables, "file_versions")
	assert.Contains(t, pg.tables, "events")

	require.Len(t, lite.indexes, len(pg.indexes))
	for name, def := range pg.indexes {
		other, ok := lite.indexes[name]
		require.True(t, ok, "sqlite lacks index %s", name)
		assert.Equal(t, def, other, "index %s differs between dialects", name)
	}
	assert.Contains(t, pg.indexes["files_project_name_live"], "WHERE deleted_at IS NULL")
	assert.Contains(t, pg.indexes["annotation_jobs_table_live"], "WHERE deleted_at IS NULL")
	assert.Contains(t, pg.indexes["assignments_job_role_active"], "WHERE active")
}

func TestStatements_ActiveVersionMustBelongToFile(t *testing.T) {
	const fk = "FOREIGN KEY (id, active_version_id) REFERENCES file_versions (file_id, id)"
	for _, dir := range []string{"postgres", "sqlite"} {
		s := load(t, dir)
		var found bool
		for _, stmt := range s.stmts {
			if strings.Contains(stmt, fk) {
				found = true
			}
		}
		assert.True(t, found, "%s declares the composite active version key", dir)
	}
}

func TestStatements_UnknownDialect(t *testing.T) {
	_, err := migrations.Statements("mysql")
	assert.Error(t, err)
}
