package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsKnownCode(t *testing.T) {
	for _, c := range []string{
		"",
		ErrProtoBadRequest,
		ErrProtoVersion,
		ErrBadRequest,
		ErrUnknownBlock,
		ErrChunkNotLoaded,
		ErrOccupied,
		ErrInvalidTarget,
		ErrCapReached,
		ErrRateLimit,
		ErrInternal,
	} {
		assert.True(t, IsKnownCode(c), c)
	}
	assert.False(t, IsKnownCode("E_NOT_DEFINED"))
}
