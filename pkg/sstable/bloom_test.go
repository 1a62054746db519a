package sstable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBloom_NoFalseNegatives(t *testing.T) {
	b := NewBloom(1000, 0.01)
	for i := 0; i < 1000; i++ {
		b.Add([]byte(fmt.Sprintf("key-%04d", i)))
	}
	for i := 0; i < 1000; i++ {
		require.True(t, b.MayContain([]byte(fmt.Sprintf("key-%04d", i))))
	}
}

func TestBloom_FalsePositiveRateRoughlyHolds(t *testing.T) {
	b := NewBloom(1000, 0.01)
	for i := 0; i < 1000; i++ {
		b.Add([]byte(fmt.Sprintf("present-%04d", i)))
	}

	positives := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if b.MayContain([]byte(fmt.Sprintf("absent-%05d", i))) {
			positives++
		}
	}
	// generous ceiling, we only guard against a broken hash scheme
	require.Less(t, positives, probes/20)
}

func TestBloom_MarshalRoundTrip(t *testing.T) {
	b := NewBloom(100, 0.05)
	for i := 0; i < 100; i++ {
		b.Add([]byte(fmt.Sprintf("key-%03d", i)))
	}

	data, err := b.MarshalBinary()
	require.NoError(t, err)

	got, err := UnmarshalBloom(data)
	require.NoError(t, err)
	require.Equal(t, b.k, got.k)
	for i := 0; i < 100; i++ {
		require.True(t, got.MayContain([]byte(fmt.Sprintf("key-%03d", i))))
	}
}

func TestBloom_UnmarshalRejectsGarbage(t *testing.T) {
	_, err := UnmarshalBloom([]byte{1, 2})
	require.Error(t, err)
}
