package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsensusError_Error(t *testing.T) {
	err := NewConfigCASConflict("version mismatch", 5)
	assert.Contains(t, err.Error(), "config_cas_conflict")
	assert.Contains(t, err.Error(), "version mismatch")
	assert.Equal(t, uint64(5), err.Details["observed_version"])
}

func TestConsensusError_WithDetail(t *testing.T) {
	err := NewMalformedEnvelope("bad signature", nil).WithDetail("sender_node_id", "node-a")
	assert.Equal(t, "node-a", err.Details["sender_node_id"])
}

func TestConsensusError_Unwrap(t *testing.T) {
	cause := errors.New("decode failure")
	err := NewMalformedEnvelope("bad envelope", cause)
	assert.ErrorIs(t, err, cause)
}

func TestIs(t *testing.T) {
	err := NewEquivocation("conflicting hashes")
	assert.True(t, Is(err, KindEquivocation))
	assert.False(t, Is(err, KindMalformedEnvelope))
	assert.False(t, Is(errors.New("plain"), KindEquivocation))
}
