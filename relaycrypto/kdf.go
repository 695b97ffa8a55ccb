// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package relaycrypto implements the per hop relay crypto: key material
// derivation, the forward/backward stream cipher and running digest state
// of a single hop, and the layered onion encryption across a circuit's
// ordered hop stack.
package relaycrypto

import (
	"crypto/sha1"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// DigestLen is the running digest length (SHA-1).
	DigestLen = sha1.Size

	// KeyLen is the per direction stream cipher key length (AES-128).
	KeyLen = 16

	kdfOutLen = 3*DigestLen + 2*KeyLen
)

// KeyMaterial is one hop's worth of handshake derived keys: the forward and
// backward digest seeds and cipher keys, plus the KDF-TOR derivative check
// value KH.  KH is zero for HKDF based derivations, which authenticate the
// handshake by other means.
type KeyMaterial struct {
	KH [DigestLen]byte
	Df [DigestLen]byte
	Db [DigestLen]byte
	Kf [KeyLen]byte
	Kb [KeyLen]byte
}

// Reset clears the key material.
func (k *KeyMaterial) Reset() {
	for i := range k.KH {
		k.KH[i] = 0
	}
	for i := range k.Df {
		k.Df[i] = 0
	}
	for i := range k.Db {
		k.Db[i] = 0
	}
	for i := range k.Kf {
		k.Kf[i] = 0
	}
	for i := range k.Kb {
		k.Kb[i] = 0
	}
}

func (k *KeyMaterial) fromStream(r io.Reader, withKH bool) error {
	if withKH {
		if _, err := io.ReadFull(r, k.KH[:]); err != nil {
			return err
		}
	}
	if _, err := io.ReadFull(r, k.Df[:]); err != nil {
		return err
	}
	if _, err := io.ReadFull(r, k.Db[:]); err != nil {
		return err
	}
	if _, err := io.ReadFull(r, k.Kf[:]); err != nil {
		return err
	}
	_, err := io.ReadFull(r, k.Kb[:])
	return err
}

type kdfTorReader struct {
	secret  []byte
	counter uint8
	buf     []byte
}

func (r *kdfTorReader) Read(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if len(r.buf) == 0 {
			h := sha1.New()
			h.Write(r.secret)
			h.Write([]byte{r.counter})
			r.buf = h.Sum(nil)
			r.counter++
		}
		n := copy(p, r.buf)
		r.buf = r.buf[n:]
		p = p[n:]
		total += n
	}
	return total, nil
}

// KDFTOR expands a handshake secret with the legacy iterated SHA-1 KDF:
// K = H(secret | 0) | H(secret | 1) | ...  The first DigestLen bytes are
// the derivative check value KH, then Df, Db, Kf, Kb in that order.
func KDFTOR(secret []byte) (*KeyMaterial, error) {
	r := &kdfTorReader{secret: secret}
	k := new(KeyMaterial)
	if err := k.fromStream(r, true); err != nil {
		return nil, err
	}
	return k, nil
}

// KDFHKDF expands a handshake seed with RFC 5869 HKDF-Expand over SHA-256,
// using the caller's info label, yielding Df, Db, Kf, Kb.  This is the
// expansion the ntor handshake family uses.
func KDFHKDF(seed, info []byte) (*KeyMaterial, error) {
	r := hkdf.Expand(sha256.New, seed, info)
	k := new(KeyMaterial)
	if err := k.fromStream(r, false); err != nil {
		return nil, err
	}
	return k, nil
}
