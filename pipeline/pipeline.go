// SPDX-FileCopyrightText: Copyright (C) 2025  The Ghostpass Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package pipeline implements the layered encryption pipeline that wraps
// application payloads in stacked authenticated encryption layers before
// they enter the tunnel.  The layers are a client-side defense in depth
// measure on top of the tunnel, not an end to end protocol; the per-session
// salt only ever serves the local unwrap path.
package pipeline

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/ghostpass/ghostpass/core/utils"
)

const (
	keySize   = chacha20poly1305.KeySize
	nonceSize = chacha20poly1305.NonceSize
	saltSize  = 16

	// argon2id cost parameters for stretching the master secret.
	argonTime    = 3
	argonMemory  = 32 * 1024
	argonThreads = 4

	envelopeVersion = 1
)

var (
	// ErrAuthenticationFailed is the error returned when unwrap fails to
	// authenticate a layer.  The payload must be dropped, never partially
	// trusted.
	ErrAuthenticationFailed = errors.New("pipeline: ciphertext authentication failed")

	// ErrNonceExhausted is the fatal error returned when a layer's nonce
	// counter would wrap.  Nonce reuse under the same key is never
	// recoverable.
	ErrNonceExhausted = errors.New("pipeline: nonce counter exhausted")

	// ErrDestroyed is the error returned when operating on a destroyed
	// pipeline.
	ErrDestroyed = errors.New("pipeline: key material destroyed")
)

// header is the outermost serialized form: it binds the ciphertext to this
// session's salt and layer count so a stale or foreign payload is rejected
// before any layer is touched.
type header struct {
	Version uint8  `cbor:"v"`
	Salt    []byte `cbor:"s"`
	Layers  uint8  `cbor:"c"`
	Body    []byte `cbor:"b"`
}

// envelope is the serialized form of a single encryption layer.
type envelope struct {
	Version uint8  `cbor:"v"`
	Layer   uint8  `cbor:"l"`
	Nonce   []byte `cbor:"n"`
	Payload []byte `cbor:"p"`
}

type layer struct {
	sync.Mutex

	aead    cipherAEAD
	key     []byte
	index   uint8
	counter uint64
}

// cipherAEAD is the subset of cipher.AEAD the pipeline uses.
type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// nextNonce returns a never before used nonce for this layer's key.  The
// nonce is the layer index followed by a monotonic counter, so distinct
// layers can never collide even if they were ever keyed identically.
func (l *layer) nextNonce() ([]byte, error) {
	l.Lock()
	defer l.Unlock()

	if l.counter == ^uint64(0) {
		return nil, ErrNonceExhausted
	}
	l.counter++

	n := make([]byte, nonceSize)
	n[0] = l.index
	binary.BigEndian.PutUint64(n[nonceSize-8:], l.counter)
	return n, nil
}

// Pipeline applies a fixed stack of independently keyed encryption layers.
type Pipeline struct {
	salt      []byte
	layers    []*layer
	destroyed bool

	sync.RWMutex
}

// New derives a fresh encryption context from the master secret and returns
// a Pipeline with numLayers stacked cipher layers.  The salt is random per
// session; key material never outlives the process.
func New(secret []byte, numLayers int) (*Pipeline, error) {
	if numLayers < 1 {
		return nil, fmt.Errorf("pipeline: invalid layer count: %d", numLayers)
	}
	if len(secret) == 0 {
		return nil, errors.New("pipeline: empty master secret")
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	master := argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, keySize)
	defer utils.ExplicitBzero(master)

	p := &Pipeline{salt: salt}
	for i := 0; i < numLayers; i++ {
		info := []byte(fmt.Sprintf("ghostpass-layer-%d", i))
		key := make([]byte, keySize)
		if _, err := io.ReadFull(hkdf.Expand(sha256.New, master, info), key); err != nil {
			p.Destroy()
			return nil, err
		}
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			utils.ExplicitBzero(key)
			p.Destroy()
			return nil, err
		}
		p.layers = append(p.layers, &layer{
			aead:  aead,
			key:   key,
			index: uint8(i),
		})
	}
	return p, nil
}

// NumLayers returns the number of stacked cipher layers.
func (p *Pipeline) NumLayers() int {
	return len(p.layers)
}

// Wrap applies every layer to plaintext, innermost first, and returns the
// serialized outermost envelope.
func (p *Pipeline) Wrap(plaintext []byte) ([]byte, error) {
	p.RLock()
	defer p.RUnlock()
	if p.destroyed {
		return nil, ErrDestroyed
	}

	data := plaintext
	for i := len(p.layers) - 1; i >= 0; i-- {
		l := p.layers[i]
		nonce, err := l.nextNonce()
		if err != nil {
			return nil, err
		}
		env := envelope{
			Version: envelopeVersion,
			Layer:   l.index,
			Nonce:   nonce,
			Payload: l.aead.Seal(nil, nonce, data, nil),
		}
		data, err = cbor.Marshal(env)
		if err != nil {
			return nil, err
		}
	}
	return cbor.Marshal(header{
		Version: envelopeVersion,
		Salt:    p.salt,
		Layers:  uint8(len(p.layers)),
		Body:    data,
	})
}

// Unwrap reverses every layer in strict outer to inner order.  Any layer
// that fails to parse or authenticate yields ErrAuthenticationFailed and no
// partial plaintext.
func (p *Pipeline) Unwrap(ciphertext []byte) ([]byte, error) {
	p.RLock()
	defer p.RUnlock()
	if p.destroyed {
		return nil, ErrDestroyed
	}

	var hdr header
	if err := cbor.Unmarshal(ciphertext, &hdr); err != nil {
		return nil, ErrAuthenticationFailed
	}
	if hdr.Version != envelopeVersion || int(hdr.Layers) != len(p.layers) || !bytes.Equal(hdr.Salt, p.salt) {
		return nil, ErrAuthenticationFailed
	}

	data := hdr.Body
	for i := 0; i < len(p.layers); i++ {
		l := p.layers[i]

		var env envelope
		if err := cbor.Unmarshal(data, &env); err != nil {
			return nil, ErrAuthenticationFailed
		}
		if env.Version != envelopeVersion || env.Layer != l.index || len(env.Nonce) != nonceSize {
			return nil, ErrAuthenticationFailed
		}
		pt, err := l.aead.Open(nil, env.Nonce, env.Payload, nil)
		if err != nil {
			return nil, ErrAuthenticationFailed
		}
		data = pt
	}
	return data, nil
}

// Destroy clears the derived key material.  The pipeline is unusable
// afterwards; a new session derives a fresh context.
func (p *Pipeline) Destroy() {
	p.Lock()
	defer p.Unlock()
	if p.destroyed {
		return
	}
	for _, l := range p.layers {
		utils.ExplicitBzero(l.key)
		l.aead = nil
	}
	utils.ExplicitBzero(p.salt)
	p.destroyed = true
}

// NewSecret generates a random master secret for sessions where the
// operator did not supply a passphrase.
func NewSecret() ([]byte, error) {
	s := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, s); err != nil {
		return nil, err
	}
	return s, nil
}
