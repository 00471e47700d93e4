package enrich

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeDeltas_SingleByteChange_S3(t *testing.T) {
	pre := make([]byte, 4096)
	post := append([]byte(nil), pre...)
	post[128] = 0xFF

	deltas := computeDeltas(pre, post, len(pre))
	require.Len(t, deltas, 1)
	require.Equal(t, 128, deltas[0].Offset)
	require.Equal(t, []byte{0x00}, deltas[0].Old)
	require.Equal(t, []byte{0xFF}, deltas[0].New)
}

func TestComputeDeltas_CoalescesRuns(t *testing.T) {
	pre := []byte{0, 0, 0, 0, 0, 0}
	post := []byte{0, 1, 2, 0, 9, 0}

	deltas := computeDeltas(pre, post, len(pre))
	require.Len(t, deltas, 2)
	require.Equal(t, 1, deltas[0].Offset)
	require.Equal(t, []byte{1, 2}, deltas[0].New)
	require.Equal(t, 4, deltas[1].Offset)
	require.Equal(t, []byte{9}, deltas[1].New)
}

func TestComputeDeltas_NoDifference(t *testing.T) {
	pre := []byte{1, 2, 3}
	post := []byte{1, 2, 3}
	require.Empty(t, computeDeltas(pre, post, len(pre)))
}

func TestComputeDeltas_RespectsBound(t *testing.T) {
	pre := []byte{0, 0, 0, 0}
	post := []byte{0, 0, 0, 9}

	require.Empty(t, computeDeltas(pre, post, 3))
	require.Len(t, computeDeltas(pre, post, 4), 1)
}

func TestComputeDeltas_ReconstructionLaw(t *testing.T) {
	pre := []byte{5, 5, 5, 5, 5, 5, 5, 5}
	post := []byte{5, 9, 9, 5, 5, 7, 5, 5}

	deltas := computeDeltas(pre, post, len(pre))
	reconstructed := append([]byte(nil), pre...)
	for _, d := range deltas {
		copy(reconstructed[d.Offset:], d.New)
	}
	require.Equal(t, post, reconstructed)
}
