package datasets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/memory"
	"github.com/apache/arrow/go/v13/parquet"
	"github.com/apache/arrow/go/v13/parquet/pqarrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightfold/difftune/pkg/core"
	"github.com/lightfold/difftune/pkg/errors"
)

func writeTempLadder(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ladder.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadJSON(t *testing.T) {
	t.Run("parses tiers from key suffixes", func(t *testing.T) {
		path := writeTempLadder(t, `{
			"animals_1": ["a cat", "a dog"],
			"scenes_2": ["a harbor at dusk"]
		}`)

		ladder, err := LoadJSON(path)
		require.NoError(t, err)

		assert.Equal(t, []int{1, 2}, ladder.Levels())
		assert.Equal(t, 3, ladder.TotalPrompts())

		tier1 := ladder.Tier(1)
		require.Len(t, tier1, 2)
		assert.Equal(t, "animals_1", tier1[0].Metadata["group"])

		min, max, err := ladder.Range()
		require.NoError(t, err)
		assert.Equal(t, 1, min)
		assert.Equal(t, 2, max)
	})

	t.Run("group names may contain underscores", func(t *testing.T) {
		path := writeTempLadder(t, `{"night_scenes_3": ["stars"]}`)

		ladder, err := LoadJSON(path)
		require.NoError(t, err)
		assert.Equal(t, []int{3}, ladder.Levels())
	})

	t.Run("missing suffix rejected", func(t *testing.T) {
		path := writeTempLadder(t, `{"animals": ["a cat"]}`)

		_, err := LoadJSON(path)
		require.Error(t, err)
		assert.Equal(t, errors.InvalidInput, errors.CodeOf(err))
	})

	t.Run("non-integer suffix rejected", func(t *testing.T) {
		path := writeTempLadder(t, `{"animals_a": ["a cat"]}`)
		_, err := LoadJSON(path)
		require.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadJSON(filepath.Join(t.TempDir(), "absent.json"))
		require.Error(t, err)
		assert.Equal(t, errors.ResourceNotFound, errors.CodeOf(err))
	})

	t.Run("empty ladder rejected", func(t *testing.T) {
		path := writeTempLadder(t, `{}`)
		_, err := LoadJSON(path)
		require.Error(t, err)
	})
}

func TestLoadDispatchesOnExtension(t *testing.T) {
	ctx := context.Background()

	t.Run("json by extension", func(t *testing.T) {
		path := writeTempLadder(t, `{"animals_1": ["a cat"]}`)
		ladder, err := Load(ctx, path, "")
		require.NoError(t, err)
		assert.Equal(t, 1, ladder.TotalPrompts())
	})

	t.Run("parquet by extension", func(t *testing.T) {
		path := writeTempParquet(t, []string{"a cat"}, []int64{1}, nil)
		ladder, err := Load(ctx, path, "")
		require.NoError(t, err)
		assert.Equal(t, []int{1}, ladder.Levels())
	})

	t.Run("explicit format beats extension", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "ladder.dat")
		require.NoError(t, os.WriteFile(path, []byte(`{"animals_1": ["a cat"]}`), 0o644))

		ladder, err := Load(ctx, path, "json")
		require.NoError(t, err)
		assert.Equal(t, 1, ladder.TotalPrompts())
	})

	t.Run("unknown extension rejected", func(t *testing.T) {
		_, err := Load(ctx, "ladder.dat", "")
		require.Error(t, err)
		assert.Equal(t, errors.ConfigurationError, errors.CodeOf(err))
	})
}

func TestLadderValidate(t *testing.T) {
	ladder := NewLadder()
	ladder.Add(1, core.PromptItem{Text: "a"})
	ladder.Add(1, core.PromptItem{Text: "b"})
	ladder.Add(2, core.PromptItem{Text: "c"})

	assert.NoError(t, ladder.Validate(1))

	err := ladder.Validate(2)
	require.Error(t, err, "tier 2 is shallower than the world")
	assert.Equal(t, errors.ConfigurationError, errors.CodeOf(err))

	gapped := NewLadder()
	gapped.Add(1, core.PromptItem{Text: "a"})
	gapped.Add(3, core.PromptItem{Text: "b"})
	err = gapped.Validate(1)
	require.Error(t, err, "difficulty 2 is missing")
	assert.Equal(t, errors.ConfigurationError, errors.CodeOf(err))

	empty := NewLadder()
	assert.Error(t, empty.Validate(1))

	_, _, err = empty.Range()
	assert.Error(t, err)
}

func writeTempParquet(t *testing.T, prompts []string, difficulties []int64, groups []string) string {
	t.Helper()

	fields := []arrow.Field{
		{Name: "prompt", Type: arrow.BinaryTypes.String},
		{Name: "difficulty", Type: arrow.PrimitiveTypes.Int64},
	}
	if groups != nil {
		fields = append(fields, arrow.Field{Name: "group", Type: arrow.BinaryTypes.String})
	}
	schema := arrow.NewSchema(fields, nil)

	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer builder.Release()

	builder.Field(0).(*array.StringBuilder).AppendValues(prompts, nil)
	builder.Field(1).(*array.Int64Builder).AppendValues(difficulties, nil)
	if groups != nil {
		builder.Field(2).(*array.StringBuilder).AppendValues(groups, nil)
	}

	record := builder.NewRecord()
	defer record.Release()

	table := array.NewTableFromRecords(schema, []arrow.Record{record})
	defer table.Release()

	path := filepath.Join(t.TempDir(), "ladder.parquet")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, pqarrow.WriteTable(
		table, f, 1024,
		parquet.NewWriterProperties(),
		pqarrow.DefaultWriterProps(),
	))
	return path
}

func TestLoadParquet(t *testing.T) {
	ctx := context.Background()

	t.Run("reads prompt and difficulty columns", func(t *testing.T) {
		path := writeTempParquet(t,
			[]string{"a cat", "a dog", "a harbor at dusk"},
			[]int64{1, 1, 2},
			[]string{"animals_1", "animals_1", "scenes_2"},
		)

		ladder, err := LoadParquet(ctx, path)
		require.NoError(t, err)

		assert.Equal(t, []int{1, 2}, ladder.Levels())
		assert.Equal(t, 3, ladder.TotalPrompts())
		assert.Equal(t, "scenes_2", ladder.Tier(2)[0].Metadata["group"])
	})

	t.Run("group column optional", func(t *testing.T) {
		path := writeTempParquet(t, []string{"a cat"}, []int64{4}, nil)

		ladder, err := LoadParquet(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, "tier_4", ladder.Tier(4)[0].Metadata["group"])
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadParquet(ctx, filepath.Join(t.TempDir(), "absent.parquet"))
		require.Error(t, err)
	})
}
