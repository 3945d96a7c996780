package hlog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestScenario_E1_CompactLookupThenTruncate mirrors scenario E1: insert
// 2000 records, compact via the Lookup variant, truncate, and expect
// every key to still read back correctly.
func TestScenario_E1_CompactLookupThenTruncate(t *testing.T) {
	session := newTestSession(smallConfig())

	const n = 2000
	for i := 0; i < n; i++ {
		session.Upsert([]byte(fmt.Sprintf("key-%05d", i)), []byte(fmt.Sprintf("val-%05d", i)))
	}

	session.accessor.Flush(true)
	untilAddr := session.accessor.SafeReadOnlyAddress()

	newBegin, err := session.comp.Compact(untilAddr, CompactionFunctions{}, CompactLookupType, nil)
	require.NoError(t, err)
	require.Equal(t, untilAddr, newBegin)

	session.accessor.Truncate()

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		value, ok := session.Read([]byte(key))
		require.True(t, ok, "key %s should still be readable after compaction+truncate", key)
		require.Equal(t, fmt.Sprintf("val-%05d", i), string(value))
	}
}

// TestScenario_E2_CompactScanDropsDeadRecords mirrors scenario E2: the
// Scan variant must drop superseded and tombstoned versions, keeping
// only live data.
func TestScenario_E2_CompactScanDropsDeadRecords(t *testing.T) {
	session := newTestSession(smallConfig())

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key-%03d", i)
		session.Upsert([]byte(key), []byte("v1"))
		session.Upsert([]byte(key), []byte("v2"))
	}
	for i := 0; i < 50; i++ {
		session.Delete([]byte(fmt.Sprintf("key-%03d", i)))
	}

	session.accessor.Flush(true)
	untilAddr := session.accessor.SafeReadOnlyAddress()

	newBegin, err := session.comp.Compact(untilAddr, CompactionFunctions{}, CompactScanType, nil)
	require.NoError(t, err)
	require.Equal(t, untilAddr, newBegin)

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key-%03d", i)
		value, ok := session.Read([]byte(key))
		if i < 50 {
			require.False(t, ok, "key %s should read as deleted", key)
		} else {
			require.True(t, ok, "key %s should still be live", key)
			require.Equal(t, "v2", string(value))
		}
	}
}

// TestScenario_E3_CompactionIsIdempotentToSameAddress mirrors scenario
// E3: compacting twice to the same address must not corrupt or
// duplicate data, and BeginAddress must not regress.
func TestScenario_E3_CompactionIsIdempotentToSameAddress(t *testing.T) {
	session := newTestSession(smallConfig())
	for i := 0; i < 100; i++ {
		session.Upsert([]byte(fmt.Sprintf("key-%03d", i)), []byte("v"))
	}
	session.accessor.Flush(true)
	untilAddr := session.accessor.SafeReadOnlyAddress()

	first, err := session.comp.Compact(untilAddr, CompactionFunctions{}, CompactLookupType, nil)
	require.NoError(t, err)

	beginAfterFirst := session.alloc.BeginAddress()
	second, err := session.comp.Compact(untilAddr, CompactionFunctions{}, CompactLookupType, nil)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, beginAfterFirst, session.alloc.BeginAddress())

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%03d", i)
		_, ok := session.Read([]byte(key))
		require.True(t, ok, "key %s should survive repeated compaction", key)
	}
}

// TestScenario_E4_CompactionPreservesLiveRecordsAcrossBothVariants
// mirrors scenario E4: both compaction variants must agree on which
// records are live after an equivalent workload.
func TestScenario_E4_CompactionPreservesLiveRecordsAcrossBothVariants(t *testing.T) {
	run := func(kind CompactionType) map[string]string {
		session := newTestSession(smallConfig())
		want := make(map[string]string)
		for i := 0; i < 150; i++ {
			key := fmt.Sprintf("key-%03d", i)
			session.Upsert([]byte(key), []byte(fmt.Sprintf("val-%03d", i)))
			want[key] = fmt.Sprintf("val-%03d", i)
		}
		for i := 0; i < 30; i++ {
			key := fmt.Sprintf("key-%03d", i)
			session.Delete([]byte(key))
			delete(want, key)
		}
		session.accessor.Flush(true)
		untilAddr := session.accessor.SafeReadOnlyAddress()
		_, err := session.comp.Compact(untilAddr, CompactionFunctions{}, kind, nil)
		require.NoError(t, err)

		got := make(map[string]string)
		for key := range want {
			value, ok := session.Read([]byte(key))
			if ok {
				got[key] = string(value)
			}
		}
		require.Equal(t, want, got)
		return got
	}

	lookupResult := run(CompactLookupType)
	scanResult := run(CompactScanType)
	require.Equal(t, lookupResult, scanResult)
}

// TestScenario_E5_CompactionPastSafeReadOnlyIsRejected mirrors scenario
// E5: requesting compaction past SafeReadOnlyAddress must fail with
// ErrCompactionBoundary and leave all state untouched.
func TestScenario_E5_CompactionPastSafeReadOnlyIsRejected(t *testing.T) {
	session := newTestSession(smallConfig())
	for i := 0; i < 20; i++ {
		session.Upsert([]byte(fmt.Sprintf("key-%02d", i)), []byte("v"))
	}

	beginBefore := session.alloc.BeginAddress()
	safeRoBefore := session.alloc.SafeReadOnlyAddress()
	tail := session.alloc.GetTailAddress()
	require.Greater(t, tail, safeRoBefore)

	_, err := session.comp.Compact(tail, CompactionFunctions{}, CompactLookupType, nil)
	require.ErrorIs(t, err, ErrCompactionBoundary)

	require.Equal(t, beginBefore, session.alloc.BeginAddress())
	require.Equal(t, safeRoBefore, session.alloc.SafeReadOnlyAddress())
}

// TestScenario_E6_ObserverContinuityAcrossThreeShifts mirrors scenario
// E6 at the allocator level (the accessor-level equivalent lives in
// accessor_test.go): three successive ShiftReadOnlyAddress calls must
// each produce exactly one observer batch with no gap between them.
func TestScenario_E6_ObserverContinuityAcrossThreeShifts(t *testing.T) {
	alloc, epoch := newTestAllocator(t, smallConfig())

	var seen []Address
	release := alloc.Subscribe(func(it *Iterator) {
		for it.GetNext() {
		}
		seen = append(seen, it.NextAddress())
	})
	defer release()

	var boundaries []Address
	for round := 0; round < 3; round++ {
		epoch.Protect()
		for i := 0; i < 4; i++ {
			if _, err := alloc.AppendRecord([]byte{byte(round), byte(i)}, []byte("v"), false, InvalidAddress); err != nil {
				t.Fatalf("AppendRecord() error = %v", err)
			}
		}
		tail := alloc.GetTailAddress()
		epoch.Suspend()

		alloc.ShiftReadOnlyAddress(tail)
		for alloc.SafeReadOnlyAddress() < tail {
			epoch.ProtectAndDrain()
		}
		boundaries = append(boundaries, tail)
	}

	require.Len(t, seen, 3)
	for i, b := range boundaries {
		require.Equal(t, b, seen[i])
	}
}
