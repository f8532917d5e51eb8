package placement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBlockRange(t *testing.T) {
	r, err := ParseBlockRange(" 2 : 5 ")
	require.NoError(t, err)
	assert.Equal(t, BlockRange{Start: 2, End: 5}, r)
	assert.Equal(t, "2:5", r.String())
	assert.Equal(t, []int{2, 3, 4}, r.Indices())
	assert.True(t, r.Contains(4))
	assert.False(t, r.Contains(5))

	for _, bad := range []string{"", "3", "a:b", "1:2:3", "5:2", "3:3", "-1:2"} {
		_, err := ParseBlockRange(bad)
		assert.ErrorIs(t, err, ErrInvalidRange, bad)
	}
}

func TestRequestValidate(t *testing.T) {
	pinned := BlockRange{Start: 0, End: 4}
	assert.NoError(t, Request{Pinned: &pinned}.Validate(4))
	assert.NoError(t, Request{NumBlocks: 4}.Validate(4))

	assert.ErrorIs(t, Request{}.Validate(4), ErrInvalidRange)
	assert.ErrorIs(t, Request{Pinned: &pinned, NumBlocks: 2}.Validate(4), ErrInvalidRange)
	assert.ErrorIs(t, Request{Pinned: &pinned}.Validate(3), ErrInvalidRange)
	assert.ErrorIs(t, Request{NumBlocks: 5}.Validate(4), ErrInvalidRange)
}
