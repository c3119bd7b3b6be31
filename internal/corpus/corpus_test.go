package corpus

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/upbeat/internal/errors"
	"github.com/hpungsan/upbeat/internal/text"
)

func TestBuildPositive_FiltersAndOrders(t *testing.T) {
	src := SliceSource{
		{Text: "A", Label: Positive},
		{Text: "B", Label: Negative},
		{Text: "C!", Label: Positive},
	}

	c, err := BuildPositive(context.Background(), src, text.Normalize)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, c.Texts())
	assert.Equal(t, 3, c.Rows())
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, "C", c.At(1))
}

func TestBuildPositive_DropsEmptyAfterNormalize(t *testing.T) {
	src := SliceSource{
		{Text: "<br/>!!!", Label: Positive},
		{Text: "fine <b>day</b>", Label: Positive},
	}

	c, err := BuildPositive(context.Background(), src, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"fine day"}, c.Texts())
}

func TestBuildPositive_Empty(t *testing.T) {
	src := SliceSource{
		{Text: "bad", Label: Negative},
		{Text: "worse", Label: Negative},
	}

	_, err := BuildPositive(context.Background(), src, text.Normalize)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrEmptyCorpus))
	assert.Equal(t, 2, errors.As(err).Details["total_rows"])
}

func TestBuildPositive_Limit(t *testing.T) {
	src := SliceSource{
		{Text: "one", Label: Positive},
		{Text: "nope", Label: Negative},
		{Text: "two", Label: Positive},
		{Text: "three", Label: Positive},
	}

	c, err := BuildPositive(context.Background(), src, text.Normalize, Limit(2))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, c.Texts())
}

func TestBuildPositive_FoldAccents(t *testing.T) {
	src := SliceSource{{Text: "Café time", Label: Positive}}

	c, err := BuildPositive(context.Background(), src, text.For(true))
	require.NoError(t, err)
	assert.Equal(t, []string{"Cafe time"}, c.Texts())
}

func TestBuildPositive_DataSourceError(t *testing.T) {
	src := FileSource{Path: filepath.Join(t.TempDir(), "missing.jsonl")}

	_, err := BuildPositive(context.Background(), src, text.Normalize)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDataSource))
	assert.Equal(t, 502, errors.As(err).Status)
}

func TestCorpus_TextsIsCopy(t *testing.T) {
	c := New([]string{"a", "b"})
	texts := c.Texts()
	texts[0] = "mutated"
	assert.Equal(t, "a", c.At(0))
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileSource_JSONL(t *testing.T) {
	path := writeFile(t, "data.jsonl", `{"text": "great film", "label": 1}

{"text": "awful", "label": 0}
{"text": "lovely", "label": "positive"}
`)

	entries, err := FileSource{Path: path}.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Text: "great film", Label: Positive},
		{Text: "awful", Label: Negative},
		{Text: "lovely", Label: Positive},
	}, entries)
}

func TestFileSource_JSONLBadLine(t *testing.T) {
	path := writeFile(t, "data.jsonl", "{\"text\": \"ok\", \"label\": 1}\n{not json}\n")

	_, err := FileSource{Path: path}.Load(context.Background())
	assert.ErrorContains(t, err, "line 2")
}

func TestFileSource_CSV(t *testing.T) {
	path := writeFile(t, "data.csv", "id,label,text\n1,pos,\"hello, world\"\n2,neg,meh\n")

	entries, err := FileSource{Path: path}.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Text: "hello, world", Label: Positive},
		{Text: "meh", Label: Negative},
	}, entries)
}

func TestFileSource_CSVMissingColumn(t *testing.T) {
	path := writeFile(t, "data.csv", "body,label\nhi,1\n")

	_, err := FileSource{Path: path}.Load(context.Background())
	assert.ErrorContains(t, err, "text and label")
}

func TestFileSource_UnsupportedExt(t *testing.T) {
	path := writeFile(t, "data.txt", "hello")

	_, err := FileSource{Path: path}.Load(context.Background())
	assert.ErrorContains(t, err, "unsupported dataset format")
}

func TestParseLabel(t *testing.T) {
	for _, s := range []string{"1", "pos", "Positive", " positive "} {
		l, err := ParseLabel(s)
		require.NoError(t, err, s)
		assert.Equal(t, Positive, l, s)
	}
	for _, s := range []string{"0", "neg", "NEGATIVE"} {
		l, err := ParseLabel(s)
		require.NoError(t, err, s)
		assert.Equal(t, Negative, l, s)
	}
	_, err := ParseLabel("2")
	assert.Error(t, err)
}
