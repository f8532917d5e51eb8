package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mezonai/blockswarm/jsonx"
)

func TestSwarmErrorIsJSON(t *testing.T) {
	err := NewError(ErrCodeUnknownBlock, fmt.Sprintf(ErrMsgUnknownBlock, "m.7"))

	var decoded SwarmError
	require.NoError(t, jsonx.Unmarshal([]byte(err.Error()), &decoded))
	assert.Equal(t, ErrCodeUnknownBlock, decoded.Code)
	assert.Equal(t, "This server does not host block m.7", decoded.Message)
}

func TestCodeOf(t *testing.T) {
	code, ok := CodeOf(NewError(ErrCodeCacheTimeout, ErrMsgCacheTimeout))
	assert.True(t, ok)
	assert.Equal(t, ErrCodeCacheTimeout, code)

	_, ok = CodeOf(fmt.Errorf("plain"))
	assert.False(t, ok)

	_, ok = CodeOf(nil)
	assert.False(t, ok)
}
