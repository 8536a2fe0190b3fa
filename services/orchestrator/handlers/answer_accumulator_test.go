// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test: Write
// =============================================================================

func TestAnswerAccumulator_Write_MultipleFragments(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	for _, fragment := range []string{"Max", " ", "Verstappen", "."} {
		require.NoError(t, acc.Write(fragment), "Write should succeed for %q", fragment)
	}

	assert.Equal(t, "Max Verstappen.", acc.Snapshot())
	assert.Equal(t, len("Max Verstappen."), acc.Len())

	answer, _, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "Max Verstappen.", answer)
}

func TestAnswerAccumulator_Write_Unicode(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	fragments := []string{"Pérez ", "周冠宇 ", "🏎️"}
	for _, f := range fragments {
		require.NoError(t, acc.Write(f))
	}

	answer, _, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, strings.Join(fragments, ""), answer)
}

func TestAnswerAccumulator_Write_AfterClose(t *testing.T) {
	acc := newTestAccumulator(t)
	acc.Destroy()

	assert.ErrorIs(t, acc.Write("late"), ErrAccumulatorClosed)
	assert.Empty(t, acc.Snapshot())

	acc = newTestAccumulator(t)
	_, _, err := acc.Finalize()
	require.NoError(t, err)
	assert.ErrorIs(t, acc.Write("late"), ErrAccumulatorClosed)
}

func TestAnswerAccumulator_Write_Overflow(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	require.NoError(t, acc.Write(strings.Repeat("a", AnswerBufferSize-1)))

	err := acc.Write("bc")
	assert.ErrorIs(t, err, ErrAccumulatorOverflow)
	assert.Equal(t, AnswerBufferSize-1, acc.Len(), "Failed write should not change the length")

	require.NoError(t, acc.Write("z"), "Exactly filling the buffer is allowed")
	assert.Equal(t, AnswerBufferSize, acc.Len())
}

// =============================================================================
// Test: Finalize
// =============================================================================

func TestAnswerAccumulator_Finalize_IncrementalHashMatchesFinalHash(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	for _, f := range []string{"Lewis ", "Hamilton ", "won ", "Silverstone."} {
		require.NoError(t, acc.Write(f))
	}

	answer, sum, err := acc.Finalize()
	require.NoError(t, err)

	expected := sha256.Sum256([]byte("Lewis Hamilton won Silverstone."))
	assert.Equal(t, "Lewis Hamilton won Silverstone.", answer)
	assert.Equal(t, hex.EncodeToString(expected[:]), sum)
	assert.Len(t, sum, 64)
}

func TestAnswerAccumulator_Finalize_EmptyContent(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	answer, sum, err := acc.Finalize()
	require.NoError(t, err)
	assert.Empty(t, answer)

	expected := sha256.Sum256(nil)
	assert.Equal(t, hex.EncodeToString(expected[:]), sum)
}

func TestAnswerAccumulator_Finalize_CannotCallTwice(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	require.NoError(t, acc.Write("once"))
	_, _, err := acc.Finalize()
	require.NoError(t, err)

	_, _, err = acc.Finalize()
	assert.ErrorIs(t, err, ErrAccumulatorClosed)
}

// =============================================================================
// Test: Destroy and Identity
// =============================================================================

func TestAnswerAccumulator_Destroy_IsIdempotent(t *testing.T) {
	acc := newTestAccumulator(t)
	require.NoError(t, acc.Write("partial"))

	assert.NotPanics(t, func() {
		acc.Destroy()
		acc.Destroy()
	})
	assert.Zero(t, acc.Len(), "Destroy should discard the partial answer")
}

func TestAnswerAccumulator_ID_UniqueUUID(t *testing.T) {
	acc1 := newTestAccumulator(t)
	defer acc1.Destroy()
	acc2 := newTestAccumulator(t)
	defer acc2.Destroy()

	assert.NotEqual(t, acc1.ID(), acc2.ID())
	_, err := uuid.Parse(acc1.ID())
	assert.NoError(t, err)
}

func TestAnswerAccumulator_PlainFallback(t *testing.T) {
	acc := newPlainAccumulator(AnswerBufferSize)
	defer acc.Destroy()

	assert.False(t, acc.Secure())
	require.NoError(t, acc.Write("Hello"))
	answer, _, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "Hello", answer)
}

func TestNewAnswerAccumulator_MatchesMlockAvailability(t *testing.T) {
	available, limit := IsMlockAvailable()

	acc, err := NewAnswerAccumulator(true)
	if !available {
		assert.ErrorIs(t, err, ErrSecureMemoryUnavailable, "limit_kb=%d", limit)
		return
	}
	require.NoError(t, err)
	defer acc.Destroy()
	assert.True(t, acc.Secure())
}

func TestNewSizedAnswerAccumulator_HoldsLongAnswer(t *testing.T) {
	size := AnswerBufferSizeFor(4000)
	acc, err := NewSizedAnswerAccumulator(false, size)
	require.NoError(t, err)
	defer acc.Destroy()

	long := strings.Repeat("Verstappen ", (AnswerBufferSize/11)+100)
	require.Greater(t, len(long), AnswerBufferSize)
	require.NoError(t, acc.Write(long), "answer above the default capacity must fit a sized buffer")
	assert.Equal(t, len(long), acc.Len())
}

func TestNewSizedAnswerAccumulator_RequireSecureWithoutMlock(t *testing.T) {
	withoutMlock(t)

	_, err := NewSizedAnswerAccumulator(true, AnswerBufferSize)
	assert.ErrorIs(t, err, ErrSecureMemoryUnavailable)

	acc, err := NewSizedAnswerAccumulator(false, AnswerBufferSize)
	require.NoError(t, err)
	defer acc.Destroy()
	assert.False(t, acc.Secure())
}

func TestAnswerBufferSizeFor(t *testing.T) {
	tests := []struct {
		name      string
		maxTokens int
		want      int
	}{
		{"unset", 0, AnswerBufferSize},
		{"default budget", 500, AnswerBufferSize},
		{"large budget", 8192, 8192 * MaxBytesPerToken},
		{"capped", 1 << 30, MaxAnswerBufferSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AnswerBufferSizeFor(tt.maxTokens))
		})
	}
}

// =============================================================================
// Test: Concurrency
// =============================================================================

func TestAnswerAccumulator_Concurrent_WritesAreSafe(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	const writers, perWriter = 10, 100
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := range writers {
		go func(id int) {
			defer wg.Done()
			for j := range perWriter {
				_ = acc.Write(fmt.Sprintf("[%d:%d]", id, j))
			}
		}(i)
	}
	wg.Wait()

	answer, sum, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, writers*perWriter, strings.Count(answer, "["))
	assert.Len(t, sum, 64)
}

func TestAnswerAccumulator_Concurrent_WriteAndDestroy(t *testing.T) {
	for range 50 {
		acc := newTestAccumulator(t)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 100 {
				_ = acc.Write("token")
			}
		}()
		go func() {
			defer wg.Done()
			time.Sleep(10 * time.Microsecond)
			acc.Destroy()
		}()
		wg.Wait()
	}
}

// =============================================================================
// Test Helpers
// =============================================================================

// withoutMlock makes the process look like its mlock limit is too low until
// the test ends.
func withoutMlock(t *testing.T) {
	t.Helper()
	initMemguard()
	prevOK, prevLimit := mlockSufficient, currentMlockLimitKB
	mlockSufficient, currentMlockLimitKB = false, 64
	t.Cleanup(func() { mlockSufficient, currentMlockLimitKB = prevOK, prevLimit })
}

// newTestAccumulator returns a locked accumulator where the environment
// allows it, and the plain fallback otherwise.
func newTestAccumulator(t *testing.T) AnswerAccumulator {
	t.Helper()

	acc, err := NewAnswerAccumulator(false)
	require.NoError(t, err)
	return acc
}
