package crawler

import (
	"encoding/json"
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkReconstructsInput(t *testing.T) {
	t.Parallel()

	for n := 0; n <= 23; n++ {
		input := make([]int, n)
		for i := range input {
			input[i] = i
		}
		for size := 1; size <= 25; size++ {
			seq, err := Chunk(input, size)
			require.NoError(t, err)

			var joined []int
			chunks := 0
			for c := range seq {
				require.NotEmpty(t, c)
				require.LessOrEqual(t, len(c), size)
				joined = append(joined, c...)
				chunks++
			}
			require.Equal(t, (n+size-1)/size, chunks, "n=%d size=%d", n, size)
			if n == 0 {
				require.Empty(t, joined)
				continue
			}
			require.Equal(t, input, joined, "n=%d size=%d", n, size)
		}
	}
}

func TestChunkRestartable(t *testing.T) {
	t.Parallel()

	seq := MustChunk([]string{"u1", "u2", "u3"}, 2)
	first := slices.Collect(seq)
	second := slices.Collect(seq)
	assert.Equal(t, [][]string{{"u1", "u2"}, {"u3"}}, first)
	assert.Equal(t, first, second)
}

func TestChunkRejectsBadSize(t *testing.T) {
	t.Parallel()

	_, err := Chunk([]int{1}, 0)
	require.Error(t, err)
	assert.Panics(t, func() { MustChunk([]int{1}, -1) })
}

func TestFailureSignalValidate(t *testing.T) {
	t.Parallel()

	item := NewWorkItem("https://example.com")
	require.NoError(t, Retry(item).Validate())
	require.NoError(t, Continue(item).Validate())
	require.ErrorIs(t, FailureSignal{}.Validate(), ErrInvalidSignal)
	both := FailureSignal{RetryTarget: &item, ContinuationTarget: &item}
	require.ErrorIs(t, both.Validate(), ErrInvalidSignal)
}

func TestWorkItemJSON(t *testing.T) {
	t.Parallel()

	plain := NewWorkItem("https://example.com/a")
	data, err := json.Marshal(plain)
	require.NoError(t, err)
	assert.JSONEq(t, `"https://example.com/a"`, string(data))

	withCtx := NewWorkItem("https://example.com/b", "category_url", "https://example.com/c")
	data, err = json.Marshal(withCtx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"https://example.com/b","context":{"category_url":"https://example.com/c"}}`, string(data))

	var decoded []WorkItem
	raw := fmt.Sprintf(`["https://example.com/a", %s]`, data)
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, plain, decoded[0])
	assert.Equal(t, withCtx, decoded[1])
	assert.Equal(t, "https://example.com/c", decoded[1].Value("category_url"))
	assert.Equal(t, "", decoded[0].Value("missing"))
}

func TestUnique(t *testing.T) {
	t.Parallel()

	a := NewWorkItem("https://example.com/a")
	b := NewWorkItem("https://example.com/b")
	bInCategory := NewWorkItem("https://example.com/b", "category_url", "https://example.com/c")
	in := []WorkItem{a, b, a, bInCategory, b}

	assert.Equal(t, []WorkItem{a, b, bInCategory}, Unique(in))
	assert.Equal(t, []WorkItem{a, b, a, bInCategory, b}, in, "input is left untouched")
	assert.Empty(t, Unique(nil))
}
