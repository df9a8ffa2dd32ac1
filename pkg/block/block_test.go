package block

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockWriteReadRoundtrip(t *testing.T) {
	var b Block

	_, ok := b.Read(make([]byte, Size))
	assert.False(t, ok, "unwritten block must not be readable")

	payload := []byte("hello block")
	b.Write(payload, len(payload))

	dst := make([]byte, Size)
	n, ok := b.Read(dst)
	require.True(t, ok)
	assert.Equal(t, payload, dst[:n])
}

func TestBlockReadIsRepeatable(t *testing.T) {
	var b Block
	payload := []byte("repeatable")
	b.Write(payload, len(payload))

	for i := 0; i < 5; i++ {
		dst := make([]byte, Size)
		n, ok := b.Read(dst)
		require.True(t, ok)
		assert.Equal(t, payload, dst[:n])
	}
}

func TestBlockOverwritePreservesParity(t *testing.T) {
	var b Block
	b.Write([]byte("first"), 5)
	b.Write([]byte("second write"), 12)

	dst := make([]byte, Size)
	n, ok := b.Read(dst)
	require.True(t, ok)
	assert.Equal(t, "second write", string(dst[:n]))
}

func TestBlockConcurrentReadersAfterWrite(t *testing.T) {
	var b Block
	payload := []byte("concurrent")
	b.Write(payload, len(payload))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dst := make([]byte, Size)
			n, ok := b.Read(dst)
			if ok {
				assert.Equal(t, payload, dst[:n])
			}
		}()
	}
	wg.Wait()
}

func TestAllOnesSentinel(t *testing.T) {
	buf := AllOnes()
	assert.True(t, IsAllOnes(buf[:], Size))

	buf[0] = 0
	assert.False(t, IsAllOnes(buf[:], Size))

	assert.False(t, IsAllOnes(buf[:10], 10))
}
