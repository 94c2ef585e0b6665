package models

import (
	"testing"

	"github.com/aukilabs/laguz/geom"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestSnapshotSigner(t *testing.T) {
	privateKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	signer := NewSnapshotSigner(privateKey)
	require.Len(t, signer.WalletAddress(), 42)

	w := newTestWorld(t, WorldOptions{})
	_, err = w.AddEntity(1, transformAt(0, 0), 0)
	require.NoError(t, err)

	snapshot := w.Snapshot(geom.NewRect(0, 0, 10, 10))
	signature, err := signer.Sign(snapshot)
	require.NoError(t, err)
	require.NotEmpty(t, signature)

	t.Run("signature is verified", func(t *testing.T) {
		ok, err := VerifySnapshot(snapshot, signature, signer.WalletAddress())
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("signature of another wallet is not verified", func(t *testing.T) {
		otherKey, err := crypto.GenerateKey()
		require.NoError(t, err)
		other := NewSnapshotSigner(otherKey)

		ok, err := VerifySnapshot(snapshot, signature, other.WalletAddress())
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("signature of a modified snapshot is not verified", func(t *testing.T) {
		modified := snapshot
		modified.Revision++

		ok, err := VerifySnapshot(modified, signature, signer.WalletAddress())
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("malformed signature returns an error", func(t *testing.T) {
		_, err := VerifySnapshot(snapshot, "0xzz", signer.WalletAddress())
		require.Error(t, err)
	})
}
