package anchor

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyhaven/reclaim/internal/record"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []CommitmentAnchored
}

func (o *recordingObserver) CommitmentAnchored(ev CommitmentAnchored) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *recordingObserver) snapshot() []CommitmentAnchored {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]CommitmentAnchored, len(o.events))
	copy(out, o.events)
	return out
}

func authorityKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func rootOf(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

func signAnchor(priv ed25519.PrivateKey, root [32]byte, batchSize uint64) []byte {
	return ed25519.Sign(priv, record.AnchorMessage(root, batchSize))
}

func TestAnchorStoresRecord(t *testing.T) {
	pub, priv := authorityKey(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(pub, WithNow(func() time.Time { return at }))

	root := rootOf("batch-1")
	err := reg.Anchor(reg.Owner(), root, 4, signAnchor(priv, root, 4))
	require.NoError(t, err)

	rec := reg.GetCommitment(root)
	assert.True(t, rec.Exists)
	assert.Equal(t, at, rec.AnchoredAt)
	assert.Equal(t, uint64(4), rec.BatchSize)
	assert.Equal(t, reg.Owner(), rec.Submitter)
}

func TestAnchorRejectsZeroBatchSizeBeforeAuth(t *testing.T) {
	pub, _ := authorityKey(t)
	reg := NewRegistry(pub)

	// Batch size is validated first: even an unauthorized caller with a
	// garbage signature sees INVALID_BATCH_SIZE for a zero batch.
	err := reg.Anchor("0xnobody", rootOf("x"), 0, []byte("garbage"))
	assert.True(t, IsInvalidBatchSize(err))
}

func TestAnchorRejectsNonAuthorityCaller(t *testing.T) {
	pub, priv := authorityKey(t)
	reg := NewRegistry(pub)

	root := rootOf("batch-1")
	err := reg.Anchor("0xsomebodyelse", root, 1, signAnchor(priv, root, 1))
	assert.True(t, IsUnauthorized(err))
	assert.False(t, reg.GetCommitment(root).Exists)
}

func TestAnchorRejectsBadSignature(t *testing.T) {
	pub, priv := authorityKey(t)
	reg := NewRegistry(pub)

	root := rootOf("batch-1")
	// Signature covers (root, batchSize); signing a different size must
	// not authorize this call.
	err := reg.Anchor(reg.Owner(), root, 2, signAnchor(priv, root, 3))
	assert.True(t, IsUnauthorized(err))
	assert.False(t, reg.GetCommitment(root).Exists)
}

func TestAnchorDoubleAnchorLeavesRecordUntouched(t *testing.T) {
	pub, priv := authorityKey(t)
	times := []time.Time{
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
	}
	i := 0
	reg := NewRegistry(pub, WithNow(func() time.Time { at := times[i]; i++; return at }))

	root := rootOf("batch-1")
	require.NoError(t, reg.Anchor(reg.Owner(), root, 2, signAnchor(priv, root, 2)))

	err := reg.Anchor(reg.Owner(), root, 5, signAnchor(priv, root, 5))
	assert.True(t, IsAlreadyAnchored(err))

	rec := reg.GetCommitment(root)
	assert.Equal(t, times[0], rec.AnchoredAt)
	assert.Equal(t, uint64(2), rec.BatchSize)
	assert.Equal(t, uint64(1), reg.BatchCount(reg.Owner()))
}

func TestGetCommitmentAbsentRoot(t *testing.T) {
	pub, _ := authorityKey(t)
	reg := NewRegistry(pub)
	assert.Equal(t, Record{}, reg.GetCommitment(rootOf("never")))
}

func TestSubmitterCommitmentsPreserveOrder(t *testing.T) {
	pub, priv := authorityKey(t)
	reg := NewRegistry(pub)

	roots := [][32]byte{rootOf("a"), rootOf("b"), rootOf("c")}
	for _, root := range roots {
		require.NoError(t, reg.Anchor(reg.Owner(), root, 1, signAnchor(priv, root, 1)))
	}

	assert.Equal(t, roots, reg.SubmitterCommitments(reg.Owner()))
	assert.Equal(t, uint64(3), reg.BatchCount(reg.Owner()))
	assert.Empty(t, reg.SubmitterCommitments("0xunknown"))
	assert.Equal(t, uint64(0), reg.BatchCount("0xunknown"))
}

func TestAnchorEmitsObserverEvent(t *testing.T) {
	pub, priv := authorityKey(t)
	obs := &recordingObserver{}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(pub, WithObserver(obs), WithNow(func() time.Time { return at }))

	root := rootOf("batch-1")
	require.NoError(t, reg.Anchor(reg.Owner(), root, 3, signAnchor(priv, root, 3)))

	// Rejections emit nothing.
	_ = reg.Anchor(reg.Owner(), root, 3, signAnchor(priv, root, 3))

	events := obs.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, root, events[0].Root)
	assert.Equal(t, at, events[0].Timestamp)
	assert.Equal(t, uint64(3), events[0].BatchSize)
	assert.Equal(t, reg.Owner(), events[0].Submitter)
}

func TestVerifyCommitment(t *testing.T) {
	pub, _ := authorityKey(t)
	reg := NewRegistry(pub)

	leaf := rootOf("leaf")
	p1 := rootOf("sibling-1")
	p2 := rootOf("sibling-2")

	step1 := sha256.Sum256(append(leaf[:], p1[:]...))
	want := sha256.Sum256(append(step1[:], p2[:]...))

	assert.True(t, reg.VerifyCommitment(want, leaf, [][32]byte{p1, p2}))
	assert.False(t, reg.VerifyCommitment(want, leaf, [][32]byte{p2, p1}))
	assert.False(t, reg.VerifyCommitment(rootOf("wrong"), leaf, [][32]byte{p1, p2}))

	// Empty proof: the leaf is the root.
	assert.True(t, reg.VerifyCommitment(leaf, leaf, nil))
}

func TestFoldProofMatchesManualFold(t *testing.T) {
	leaf := rootOf("l")
	elems := [][32]byte{rootOf("e1"), rootOf("e2"), rootOf("e3")}

	acc := leaf
	for _, e := range elems {
		acc = sha256.Sum256(append(acc[:], e[:]...))
	}
	assert.Equal(t, acc, FoldProof(leaf, elems))
	assert.Equal(t, leaf, FoldProof(leaf, nil))
}

func TestAddressOf(t *testing.T) {
	pub, _ := authorityKey(t)
	addr := AddressOf(pub)

	assert.Len(t, string(addr), 2+40)
	assert.Equal(t, "0x", string(addr)[:2])

	sum := sha256.Sum256(pub)
	assert.Equal(t, Address("0x"+hex.EncodeToString(sum[12:])), addr)

	other, _ := authorityKey(t)
	assert.NotEqual(t, addr, AddressOf(other))
}
