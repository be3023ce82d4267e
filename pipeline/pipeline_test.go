// SPDX-FileCopyrightText: Copyright (C) 2025  The Ghostpass Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package pipeline

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	p, err := New([]byte("correct horse battery staple"), 3)
	require.NoError(err, "New()")
	defer p.Destroy()

	plaintext := []byte("the quick brown onion routes over the lazy relay")
	ct, err := p.Wrap(plaintext)
	require.NoError(err, "Wrap()")
	require.NotContains(string(ct), string(plaintext), "ciphertext leaks plaintext")

	pt, err := p.Unwrap(ct)
	require.NoError(err, "Unwrap()")
	require.Equal(plaintext, pt, "round trip")
}

func TestUnwrapRejectsBitFlips(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	p, err := New([]byte("hunter2"), 2)
	require.NoError(err)
	defer p.Destroy()

	ct, err := p.Wrap([]byte("payload"))
	require.NoError(err)

	// A flip anywhere in the ciphertext must fail authentication, never
	// yield corrupted plaintext.
	for i := 0; i < len(ct); i++ {
		mutated := bytes.Clone(ct)
		mutated[i] ^= 0x01
		pt, err := p.Unwrap(mutated)
		require.Nil(pt, "bit flip at offset %d returned plaintext", i)
		require.ErrorIs(err, ErrAuthenticationFailed, "bit flip at offset %d", i)
	}
}

func TestNoncesNeverRepeat(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	p, err := New([]byte("s3kr1t"), 1)
	require.NoError(err)
	defer p.Destroy()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		n, err := p.layers[0].nextNonce()
		require.NoError(err)
		require.False(seen[string(n)], "nonce repeated at message %d", i)
		seen[string(n)] = true
	}
}

func TestNonceExhaustionIsFatal(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	p, err := New([]byte("s3kr1t"), 1)
	require.NoError(err)
	defer p.Destroy()

	p.layers[0].counter = ^uint64(0)
	_, err = p.Wrap([]byte("one too many"))
	require.ErrorIs(err, ErrNonceExhausted)
}

func TestFreshContextPerSession(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// The same secret must not decrypt across sessions, the per-session
	// salt makes the derived keys distinct.
	secret := []byte("shared secret")
	p1, err := New(secret, 2)
	require.NoError(err)
	defer p1.Destroy()
	p2, err := New(secret, 2)
	require.NoError(err)
	defer p2.Destroy()

	ct, err := p1.Wrap([]byte("session bound"))
	require.NoError(err)
	_, err = p2.Unwrap(ct)
	require.ErrorIs(err, ErrAuthenticationFailed)
}

func TestDestroyedPipelineRefusesWork(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	p, err := New([]byte("ephemeral"), 1)
	require.NoError(err)

	ct, err := p.Wrap([]byte("x"))
	require.NoError(err)

	p.Destroy()
	_, err = p.Wrap([]byte("x"))
	require.ErrorIs(err, ErrDestroyed)
	_, err = p.Unwrap(ct)
	require.ErrorIs(err, ErrDestroyed)
}
