package signer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSecp256k1RoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair(Secp256k1)
	require.NoError(t, err)

	msg := []byte("shell reserve")
	sig, err := Sign(Secp256k1, kp.SecretKey, msg)
	require.NoError(t, err)

	ok, err := Verify(Secp256k1, kp.PublicKey, msg, sig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Verify(Secp256k1, kp.PublicKey, []byte("tampered"), sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEd25519RoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair(Ed25519)
	require.NoError(t, err)

	msg := []byte("genuine ed25519 verification")
	sig, err := Sign(Ed25519, kp.SecretKey, msg)
	require.NoError(t, err)

	ok, err := Verify(Ed25519, kp.PublicKey, msg, sig)
	require.NoError(t, err)
	require.True(t, ok)

	// A flipped byte in the signature must fail verification — this is
	// the real Ed25519 check, not the length-only placeholder the source
	// shipped (spec §9 Open Question).
	bad := append([]byte{}, sig...)
	bad[0] ^= 0xff
	ok, err = Verify(Ed25519, kp.PublicKey, msg, bad)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFalconRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair(Falcon512)
	require.NoError(t, err)

	msg := []byte("falcon placeholder")
	sig, err := Sign(Falcon512, kp.SecretKey, msg)
	require.NoError(t, err)
	require.Len(t, sig, 690)

	ok, err := Verify(Falcon512, kp.PublicKey, msg, sig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Verify(Falcon512, kp.PublicKey, []byte("other message"), sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBatchVerifyEquivalence(t *testing.T) {
	var items []Item
	for i := 0; i < 4; i++ {
		kp, err := GenerateKeyPair(Ed25519)
		require.NoError(t, err)
		msg := []byte{byte(i)}
		sig, err := Sign(Ed25519, kp.SecretKey, msg)
		require.NoError(t, err)
		items = append(items, Item{PublicKey: kp.PublicKey, Message: msg, Signature: sig})
	}

	ok, err := BatchVerify(Ed25519, items)
	require.NoError(t, err)
	require.True(t, ok)

	// Corrupt one entry: batch_verify must return false, matching the
	// per-item Verify result (spec §8 batch-verify equivalence).
	items[2].Signature[0] ^= 0xff
	ok, err = BatchVerify(Ed25519, items)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUnsupportedScheme(t *testing.T) {
	_, err := Verify(Scheme(200), nil, nil, nil)
	require.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestHybridRequiresBothHalves(t *testing.T) {
	kp, err := GenerateKeyPair(Hybrid)
	require.NoError(t, err)

	msg := []byte("classical and quantum must both verify")
	sig, err := Sign(Hybrid, kp.SecretKey, msg)
	require.NoError(t, err)

	ok, err := Verify(Hybrid, kp.PublicKey, msg, sig)
	require.NoError(t, err)
	require.True(t, ok)

	tampered := append([]byte{}, sig...)
	tampered[len(tampered)-1] ^= 0xff
	ok, err = Verify(Hybrid, kp.PublicKey, msg, tampered)
	require.NoError(t, err)
	require.False(t, ok)
}
