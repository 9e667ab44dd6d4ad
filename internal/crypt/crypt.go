// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package crypt seals and opens the authenticated envelope that
// carries a command's program text. The envelope is JSON with
// hex-encoded fields so it can live in a string attribute:
//
//	{"iv": "<hex>", "tag": "<hex>", "data": "<hex>"}
//
// The cipher is AES-256-GCM; the key is a 32-byte value supplied at
// startup.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/juju/errors"
)

// KeySize is the required key length in bytes.
const KeySize = 32

const (
	// ErrDecryptFailed covers every way opening an envelope can fail:
	// malformed JSON, bad hex, wrong key, tampered tag. Callers get no
	// more detail than this; the distinction is not actionable.
	ErrDecryptFailed = errors.ConstError("decrypt failed")

	// ErrBadKey is returned when the key is not KeySize bytes long.
	ErrBadKey = errors.ConstError("key must be 32 bytes")
)

const gcmTagSize = 16

type envelope struct {
	IV   string `json:"iv"`
	Tag  string `json:"tag"`
	Data string `json:"data"`
}

// Seal encrypts plaintext under key with a fresh random nonce and
// returns the serialized envelope.
func Seal(plaintext string, key []byte) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", errors.Trace(err)
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", errors.Trace(err)
	}
	sealed := aead.Seal(nil, iv, []byte(plaintext), nil)
	data, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]
	out, err := json.Marshal(envelope{
		IV:   hex.EncodeToString(iv),
		Tag:  hex.EncodeToString(tag),
		Data: hex.EncodeToString(data),
	})
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(out), nil
}

// Open authenticates and decrypts the envelope, returning the program
// text. All failures collapse to ErrDecryptFailed, except a bad key
// which is the operator's configuration problem.
func Open(payload string, key []byte) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", errors.Trace(err)
	}
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return "", errors.WithType(errors.Annotate(err, "parsing envelope"), ErrDecryptFailed)
	}
	iv, err := hex.DecodeString(env.IV)
	if err != nil {
		return "", errors.WithType(errors.Annotate(err, "decoding iv"), ErrDecryptFailed)
	}
	tag, err := hex.DecodeString(env.Tag)
	if err != nil {
		return "", errors.WithType(errors.Annotate(err, "decoding tag"), ErrDecryptFailed)
	}
	data, err := hex.DecodeString(env.Data)
	if err != nil {
		return "", errors.WithType(errors.Annotate(err, "decoding data"), ErrDecryptFailed)
	}
	if len(iv) != aead.NonceSize() || len(tag) != gcmTagSize {
		return "", errors.WithType(errors.New("malformed envelope"), ErrDecryptFailed)
	}
	plaintext, err := aead.Open(nil, iv, append(data, tag...), nil)
	if err != nil {
		return "", errors.WithType(errors.New("authentication failed"), ErrDecryptFailed)
	}
	return string(plaintext), nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errors.WithType(errors.Errorf("got %d bytes", len(key)), ErrBadKey)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return cipher.NewGCM(block)
}

// Decryptor implements command.Decryptor over a fixed key.
type Decryptor struct {
	key []byte
}

// NewDecryptor returns a Decryptor, rejecting keys of the wrong size
// up front so the daemon fails at startup rather than per run.
func NewDecryptor(key []byte) (*Decryptor, error) {
	if len(key) != KeySize {
		return nil, errors.WithType(errors.Errorf("got %d bytes", len(key)), ErrBadKey)
	}
	return &Decryptor{key: append([]byte(nil), key...)}, nil
}

// Decrypt is part of the command.Decryptor interface.
func (d *Decryptor) Decrypt(payload string) (string, error) {
	text, err := Open(payload, d.key)
	return text, errors.Trace(err)
}
