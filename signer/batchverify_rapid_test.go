package signer

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestBatchVerifyMatchesPerItemVerify checks the batch-verify equivalence
// invariant over randomly generated sets of signed items: BatchVerify
// must agree with AND-ing together the individual Verify results,
// including when an arbitrary subset of signatures is corrupted.
func TestBatchVerifyMatchesPerItemVerify(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "n")
		corruptMask := rapid.Uint32Range(0, 1<<uint(n)-1).Draw(t, "corruptMask")

		var items []Item
		expected := true
		for i := 0; i < n; i++ {
			kp, err := GenerateKeyPair(Ed25519)
			require.NoError(t, err)
			msg := rapid.SliceOfN(rapid.Byte(), 1, 32).Draw(t, "msg")
			sig, err := Sign(Ed25519, kp.SecretKey, msg)
			require.NoError(t, err)

			if corruptMask&(1<<uint(i)) != 0 {
				sig[0] ^= 0xff
				expected = false
			}
			items = append(items, Item{PublicKey: kp.PublicKey, Message: msg, Signature: sig})
		}

		got, err := BatchVerify(Ed25519, items)
		require.NoError(t, err)
		require.Equal(t, expected, got)

		for _, item := range items {
			ok, err := Verify(Ed25519, item.PublicKey, item.Message, item.Signature)
			require.NoError(t, err)
			if !ok {
				require.False(t, got, "batch result disagreed with a failing per-item verify")
			}
		}
	})
}
