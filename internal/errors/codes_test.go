package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestCoordError_WrappedChain(t *testing.T) {
	cause := stderrors.New("dial tcp: connection refused")
	err := fmt.Errorf("session start: %w", TransientStore("set", cause))

	assert.True(t, IsTransientStore(err))
	assert.False(t, IsLockContention(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrCodeTransientStore, GetCode(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestGetCode_PlainErrors(t *testing.T) {
	assert.Equal(t, ErrCodeOK, GetCode(nil))
	assert.Equal(t, ErrCodeInternal, GetCode(stderrors.New("boom")))
	assert.False(t, IsCoordError(stderrors.New("boom")))
}

func TestCoordError_ToGRPCStatus(t *testing.T) {
	tests := []struct {
		err  *CoordError
		want codes.Code
	}{
		{LockContention("session:1", 3), codes.Aborted},
		{CircuitOpen("node-a"), codes.FailedPrecondition},
		{NoHealthyNode(4), codes.Unavailable},
		{TransientStore("get", nil), codes.Unavailable},
		{NotFound("session", "s1"), codes.NotFound},
		{InvalidArgument("empty key"), codes.InvalidArgument},
		{InternalError("x", nil), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.err.Code.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.ToGRPCStatus().Code())
		})
	}
}

func TestCoordError_Details(t *testing.T) {
	err := LockContention("session:9", 3)
	assert.Equal(t, "session:9", err.Details["resource"])
	assert.Equal(t, 3, err.Details["attempts"])
	assert.Equal(t, "lock_contention", err.Code.String())
}
