package datasets

import (
	"context"
	"strconv"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/memory"
	"github.com/apache/arrow/go/v13/parquet/file"
	"github.com/apache/arrow/go/v13/parquet/pqarrow"

	"github.com/lightfold/difftune/pkg/core"
	"github.com/lightfold/difftune/pkg/errors"
)

// LoadParquet reads a ladder from a Parquet table with a "prompt" (utf8)
// column and a "difficulty" (int64) column. An optional "group" (utf8)
// column becomes prompt metadata.
func LoadParquet(ctx context.Context, path string) (*Ladder, error) {
	reader, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, errors.Wrap(err, errors.ResourceNotFound, "opening parquet ladder")
	}
	defer reader.Close()

	arrowReader, err := pqarrow.NewFileReader(reader, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return nil, errors.Wrap(err, errors.InvalidInput, "reading parquet ladder")
	}

	schema, err := arrowReader.Schema()
	if err != nil {
		return nil, errors.Wrap(err, errors.InvalidInput, "reading parquet schema")
	}
	promptIndices := schema.FieldIndices("prompt")
	difficultyIndices := schema.FieldIndices("difficulty")
	if len(promptIndices) == 0 || len(difficultyIndices) == 0 {
		return nil, errors.New(errors.InvalidInput,
			"parquet ladder needs 'prompt' and 'difficulty' columns")
	}
	groupIndices := schema.FieldIndices("group")

	table, err := arrowReader.ReadTable(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.InvalidInput, "reading parquet table")
	}
	defer table.Release()

	ladder := NewLadder()

	promptCol := table.Column(promptIndices[0]).Data()
	difficultyCol := table.Column(difficultyIndices[0]).Data()
	var groupCol *arrow.Chunked
	if len(groupIndices) > 0 {
		groupCol = table.Column(groupIndices[0]).Data()
	}

	// Columns of one table share chunk boundaries, so a single walk over the
	// prompt chunks covers all three.
	for c := 0; c < len(promptCol.Chunks()); c++ {
		prompts, ok := promptCol.Chunk(c).(*array.String)
		if !ok {
			return nil, errors.New(errors.InvalidInput, "'prompt' column is not utf8")
		}
		difficulties, ok := difficultyCol.Chunk(c).(*array.Int64)
		if !ok {
			return nil, errors.New(errors.InvalidInput, "'difficulty' column is not int64")
		}
		var groups *array.String
		if groupCol != nil {
			groups, _ = groupCol.Chunk(c).(*array.String)
		}

		for i := 0; i < prompts.Len(); i++ {
			tier := int(difficulties.Value(i))
			meta := map[string]string{}
			if groups != nil && groups.IsValid(i) {
				meta["group"] = groups.Value(i)
			} else {
				meta["group"] = "tier_" + strconv.Itoa(tier)
			}
			ladder.Add(tier, core.PromptItem{Text: prompts.Value(i), Metadata: meta})
		}
	}

	if ladder.TotalPrompts() == 0 {
		return nil, errors.New(errors.InvalidInput, "parquet ladder holds no prompts")
	}
	return ladder, nil
}
