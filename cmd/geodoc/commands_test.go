package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/geodoc/pkg/config"
	"github.com/ajitpratap0/geodoc/pkg/errors"
	"github.com/ajitpratap0/geodoc/pkg/store"
	"github.com/ajitpratap0/geodoc/pkg/store/embedded"
	"github.com/ajitpratap0/geodoc/pkg/store/filter"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "geodoc v"+version)
}

func TestPing_Embedded(t *testing.T) {
	out, err := execute(t, "ping", "--driver", "embedded", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, `"driver":"embedded"`)
	assert.Contains(t, out, `"tables":null`)
}

func TestInit_Embedded(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "geodoc.db")
	cfgPath := filepath.Join(dir, "geodoc.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
store:
  driver: embedded
  path: `+dbPath+`
logging:
  level: error
tables:
  - name: places
    primary_key: id
    primary_key_type: int64
    indices:
      - fields: [location]
        geo: true
      - fields: [city, name]
  - name: areas
    primary_key: code
`), 0600))

	_, err := execute(t, "init", "--config", cfgPath)
	require.NoError(t, err)
	_, err = execute(t, "init", "--config", cfgPath)
	require.NoError(t, err, "init is idempotent")

	s, err := embedded.Open(dbPath, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()
	conn := s.Connect()
	ctx := context.Background()

	tables, err := conn.TableList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"areas", "places"}, tables)

	indexes, err := conn.IndexList(ctx, "places")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"location", "city_name"}, indexes)
}

func TestInit_NoTables(t *testing.T) {
	_, err := execute(t, "init", "--driver", "embedded", "--log-level", "error")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestSchemaFor(t *testing.T) {
	schema := schemaFor(config.TableConfig{
		Name:           "places",
		PrimaryKey:     "id",
		PrimaryKeyType: "int64",
		Indices: []config.IndexConfig{
			{Fields: []string{"location"}, Geo: true},
			{Fields: []string{"location"}, Geo: true},
			{Fields: []string{"rank"}},
		},
	})
	assert.Equal(t, "places", schema.TableName)
	assert.Equal(t, "int64", schema.PrimaryKeyType)
	assert.Equal(t, 2, schema.Indices.Len())
	assert.NoError(t, schema.Validate())
}

func TestProvision_UnsupportedKeyType(t *testing.T) {
	schema := schemaFor(config.TableConfig{Name: "places", PrimaryKey: "id", PrimaryKeyType: "uuid"})
	err := provision(context.Background(), nil, schema, zaptest.NewLogger(t))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestParseFilter(t *testing.T) {
	q, err := parseFilter("places", "")
	require.NoError(t, err)
	assert.Nil(t, q)

	q, err = parseFilter("places", `{"rank": {"$gt": 10}}`)
	require.NoError(t, err)
	term := q(store.Table("places"))
	require.Len(t, term.Filters(), 1)
	matched, err := filter.Match(term.Filters()[0], store.Document{"rank": int64(20)})
	require.NoError(t, err)
	assert.True(t, matched)
	matched, err = filter.Match(term.Filters()[0], store.Document{"rank": int64(5)})
	require.NoError(t, err)
	assert.False(t, matched)

	_, err = parseFilter("places", `{"rank":`)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}
