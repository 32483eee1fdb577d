package scoring

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrInvalidWallet, CodeInvalidWallet},
		{ErrChainUnreachable, CodeChainUnreachable},
		{ErrQueueFull, CodeQueueFull},
		{ErrTimeout, CodeTimeout},
		{ErrStore, CodeStoreError},
		{errors.New("something else"), CodeStoreError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorCode(tt.err), tt.err.Error())
	}
}

func TestErrorCodeUnwrapsChains(t *testing.T) {
	wrapped := fmt.Errorf("pipeline for 0xabc: %w", ErrChainUnreachable)
	assert.Equal(t, CodeChainUnreachable, ErrorCode(wrapped))

	deep := fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", ErrQueueFull))
	assert.Equal(t, CodeQueueFull, ErrorCode(deep))
}
