// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP handlers of the chat service.
//
// This file implements answer accumulation for a streamed generation. The
// raw text lives in mlocked memory when the process is allowed to lock
// enough pages, and is hashed incrementally so the final answer can be
// correlated in logs without logging its text.
package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// AnswerBufferSize is the default and minimum capacity of one answer
	// buffer.
	AnswerBufferSize = 128 * 1024

	// MaxBytesPerToken bounds the UTF-8 size of one generated token when
	// sizing a buffer from a token budget.
	MaxBytesPerToken = 64

	// MaxAnswerBufferSize caps a buffer sized from a token budget.
	MaxAnswerBufferSize = 16 << 20

	// MinMlockLimitKB is the mlock limit needed for one default buffer.
	MinMlockLimitKB = AnswerBufferSize / 1024
)

// AnswerBufferSizeFor returns the buffer capacity for an answer of at most
// maxTokens tokens, between AnswerBufferSize and MaxAnswerBufferSize.
func AnswerBufferSizeFor(maxTokens int) int {
	if maxTokens <= 0 {
		return AnswerBufferSize
	}
	if maxTokens > MaxAnswerBufferSize/MaxBytesPerToken {
		return MaxAnswerBufferSize
	}
	return max(AnswerBufferSize, maxTokens*MaxBytesPerToken)
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrAccumulatorClosed is returned by Write or Finalize after the
	// accumulator was finalized or destroyed.
	ErrAccumulatorClosed = errors.New("answer accumulator is closed")

	// ErrAccumulatorOverflow is returned when a fragment does not fit.
	ErrAccumulatorOverflow = errors.New("answer accumulator overflow")

	// ErrSecureMemoryUnavailable is returned when locked memory is required
	// but the mlock limit is too low.
	ErrSecureMemoryUnavailable = errors.New("secure memory unavailable")
)

// =============================================================================
// Package Variables
// =============================================================================

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// =============================================================================
// Interfaces
// =============================================================================

// AnswerAccumulator collects the raw fragments of one generated answer.
//
// # Description
//
// Fragments are appended in arrival order and hashed as they arrive. The
// stream controller reads Snapshot after every fragment to compute the
// visible text. Finalize returns the answer and its SHA-256 and wipes the
// storage. Destroy wipes without returning anything, which is what the
// error path uses to discard a partial answer.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Examples
//
//	acc, err := NewAnswerAccumulator(false)
//	if err != nil {
//	    return err
//	}
//	defer acc.Destroy()
//
//	_ = acc.Write("Max ")
//	_ = acc.Write("Verstappen")
//	answer, sum, _ := acc.Finalize()
//
// # Limitations
//
//   - Capacity is fixed at creation (AnswerBufferSize unless sized).
//   - Cannot be reused after Finalize or Destroy.
type AnswerAccumulator interface {
	// Write appends a fragment.
	Write(fragment string) error

	// Snapshot returns a copy of everything written so far.
	Snapshot() string

	// Len returns the number of bytes written so far.
	Len() int

	// Finalize returns the answer and its hex SHA-256, then wipes storage.
	Finalize() (answer string, sum string, err error)

	// Destroy wipes storage. Safe to call more than once.
	Destroy()

	// ID identifies the accumulator in logs.
	ID() string

	// Secure reports whether the storage is mlocked.
	Secure() bool
}

// =============================================================================
// Storage
// =============================================================================

// answerStore is the raw byte storage behind an accumulator.
type answerStore interface {
	bytes() []byte
	wipe()
}

// lockedStore keeps the answer in a memguard LockedBuffer.
type lockedStore struct {
	buf *memguard.LockedBuffer
}

func (s *lockedStore) bytes() []byte { return s.buf.Bytes() }
func (s *lockedStore) wipe()         { s.buf.Destroy() }

// plainStore is the fallback when pages cannot be locked.
type plainStore struct {
	data []byte
}

func (s *plainStore) bytes() []byte { return s.data }

func (s *plainStore) wipe() {
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
}

// =============================================================================
// Implementation
// =============================================================================

// answerAccumulator implements AnswerAccumulator over an answerStore.
type answerAccumulator struct {
	id        string
	createdAt time.Time
	secure    bool

	mu     sync.Mutex
	store  answerStore
	offset int
	hasher hash.Hash
	closed bool
}

// NewAnswerAccumulator creates an accumulator for one answer.
//
// # Description
//
// Uses a memguard LockedBuffer when the RLIMIT_MEMLOCK soft limit allows
// it. Otherwise it falls back to ordinary memory with a warning, unless
// requireSecure is set, in which case it fails.
//
// # Inputs
//
//   - requireSecure: Refuse the plain-memory fallback.
//
// # Outputs
//
//   - AnswerAccumulator: Ready for use.
//   - error: ErrSecureMemoryUnavailable, or an allocation failure.
func NewAnswerAccumulator(requireSecure bool) (AnswerAccumulator, error) {
	return NewSizedAnswerAccumulator(requireSecure, AnswerBufferSize)
}

// NewSizedAnswerAccumulator is NewAnswerAccumulator with a capacity of size
// bytes. Sizes below AnswerBufferSize are raised to it.
func NewSizedAnswerAccumulator(requireSecure bool, size int) (AnswerAccumulator, error) {
	initMemguard()
	size = max(size, AnswerBufferSize)
	needKB := int64((size + 1023) / 1024)

	if !mlockSufficient || (currentMlockLimitKB >= 0 && currentMlockLimitKB < needKB) {
		if requireSecure {
			return nil, fmt.Errorf("%w: have %d KB, need %d KB",
				ErrSecureMemoryUnavailable, currentMlockLimitKB, needKB)
		}
		return newPlainAccumulator(size), nil
	}
	return newLockedAccumulator(size)
}

func newLockedAccumulator(size int) (AnswerAccumulator, error) {
	buf := memguard.NewBuffer(size)
	if buf == nil || !buf.IsAlive() {
		return nil, fmt.Errorf("failed to allocate locked buffer of %d bytes", size)
	}
	buf.Melt()

	acc := newAccumulator(&lockedStore{buf: buf}, true)
	slog.Debug("Created locked answer accumulator",
		"accumulator_id", acc.id,
		"buffer_size", size,
	)
	return acc, nil
}

func newPlainAccumulator(size int) AnswerAccumulator {
	acc := newAccumulator(&plainStore{data: make([]byte, size)}, false)
	slog.Debug("Created plain answer accumulator", "accumulator_id", acc.id)
	return acc
}

func newAccumulator(store answerStore, secure bool) *answerAccumulator {
	return &answerAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		secure:    secure,
		store:     store,
		hasher:    sha256.New(),
	}
}

// Write implements AnswerAccumulator.
func (a *answerAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrAccumulatorClosed
	}
	buf := a.store.bytes()
	if a.offset+len(fragment) > len(buf) {
		return fmt.Errorf("%w: %d + %d > %d bytes",
			ErrAccumulatorOverflow, a.offset, len(fragment), len(buf))
	}
	n := copy(buf[a.offset:], fragment)
	a.hasher.Write(buf[a.offset : a.offset+n])
	a.offset += n
	return nil
}

// Snapshot implements AnswerAccumulator.
func (a *answerAccumulator) Snapshot() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ""
	}
	return string(a.store.bytes()[:a.offset])
}

// Len implements AnswerAccumulator.
func (a *answerAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset
}

// Finalize implements AnswerAccumulator.
func (a *answerAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return "", "", ErrAccumulatorClosed
	}
	answer := string(a.store.bytes()[:a.offset])
	sum := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipeLocked()

	slog.Debug("Finalized answer accumulator",
		"accumulator_id", a.id,
		"answer_bytes", len(answer),
		"answer_sha256", sum,
		"secure", a.secure,
	)
	return answer, sum, nil
}

// Destroy implements AnswerAccumulator.
func (a *answerAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.wipeLocked()
	slog.Debug("Destroyed answer accumulator",
		"accumulator_id", a.id,
		"lifetime_ms", time.Since(a.createdAt).Milliseconds(),
	)
}

// ID implements AnswerAccumulator.
func (a *answerAccumulator) ID() string { return a.id }

// Secure implements AnswerAccumulator.
func (a *answerAccumulator) Secure() bool { return a.secure }

// wipeLocked must be called with a.mu held.
func (a *answerAccumulator) wipeLocked() {
	a.store.wipe()
	a.hasher.Reset()
	a.offset = 0
	a.closed = true
}

// =============================================================================
// Memguard Setup
// =============================================================================

// initMemguard checks the mlock limit once per process.
//
// No memguard.CatchInterrupt here: the server owns signal handling and
// calls PurgeSecureMemory during shutdown.
func initMemguard() {
	memguardInitOnce.Do(func() {
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("Secure memory initialized",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
			return
		}
		slog.Warn("mlock limit insufficient, answers will be kept in ordinary memory",
			"mlock_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"help", "raise RLIMIT_MEMLOCK (ulimit -l) for the service",
		)
	})
}

// checkMlockLimit reads RLIMIT_MEMLOCK.
//
// # Outputs
//
//   - bool: True if the soft limit is at least MinMlockLimitKB.
//   - int64: The soft limit in KB, or -1 if unlimited or unknown.
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return false, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// IsMlockAvailable reports whether locked answer buffers can be allocated.
//
// # Outputs
//
//   - bool: True if secure memory is available.
//   - int64: Current mlock limit in KB (-1 if unlimited or unknown).
func IsMlockAvailable() (bool, int64) {
	initMemguard()
	return mlockSufficient, currentMlockLimitKB
}

// PurgeSecureMemory wipes every memguard allocation in the process.
//
// Call it once during shutdown, after the HTTP server has drained. Any
// LockedBuffer still in use becomes invalid.
func PurgeSecureMemory() {
	memguard.Purge()
	slog.Info("Purged secure memory")
}
