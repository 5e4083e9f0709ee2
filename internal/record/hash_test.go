package record

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadHashStableAcrossFieldOrder(t *testing.T) {
	a, err := PayloadHash("subj-1", "challenge_response", map[string]any{
		"ordinal": 1, "correct": true,
	})
	require.NoError(t, err)
	b, err := PayloadHash("subj-1", "challenge_response", map[string]any{
		"correct": true, "ordinal": 1,
	})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPayloadHashDistinguishesInputs(t *testing.T) {
	base := MustPayloadHash("subj-1", "kind", map[string]any{"k": "v"})
	assert.NotEqual(t, base, MustPayloadHash("subj-2", "kind", map[string]any{"k": "v"}))
	assert.NotEqual(t, base, MustPayloadHash("subj-1", "other", map[string]any{"k": "v"}))
	assert.NotEqual(t, base, MustPayloadHash("subj-1", "kind", map[string]any{"k": "w"}))
}

func TestPayloadHashRejectsFloatEvidence(t *testing.T) {
	_, err := PayloadHash("subj-1", "kind", map[string]any{"score": 0.5})
	require.Error(t, err)
}

func TestAnswerHashIsDomainSeparated(t *testing.T) {
	plain := sha256.Sum256([]byte("blue"))
	assert.NotEqual(t, hex.EncodeToString(plain[:]), AnswerHash("blue"))
	assert.Equal(t, AnswerHash("blue"), AnswerHash("blue"))
	assert.NotEqual(t, AnswerHash("blue"), AnswerHash("red"))
}

func TestApprovalMessageBindsAttemptID(t *testing.T) {
	a := ApprovalMessage("attempt-1")
	b := ApprovalMessage("attempt-2")
	assert.NotEqual(t, a, b)
	assert.Equal(t, append(append([]byte(DomainApproval), 0x00), []byte("attempt-1")...), a)
}

func TestAnchorMessageLayout(t *testing.T) {
	var root [32]byte
	for i := range root {
		root[i] = byte(i)
	}
	msg := AnchorMessage(root, 0x0102030405060708)

	require.Len(t, msg, len(DomainAnchor)+1+32+8)
	assert.Equal(t, []byte(DomainAnchor), msg[:len(DomainAnchor)])
	assert.Equal(t, byte(0x00), msg[len(DomainAnchor)])
	assert.Equal(t, root[:], msg[len(DomainAnchor)+1:len(DomainAnchor)+33])
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, msg[len(msg)-8:])
}
