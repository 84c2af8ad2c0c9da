package buffer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInBufFillAndRemoveMsg(t *testing.T) {
	pool := NewPool(64, 256)
	in := NewInBuf(pool)
	defer in.Release()

	src := bytes.NewReader([]byte("hello world"))
	res, err := in.Fill(src)
	require.NoError(t, err)
	require.Equal(t, Progress, res)
	require.Equal(t, 11, in.BytesPresent())

	require.NoError(t, in.RemoveMsg(6))
	require.Equal(t, "world", string(in.Bytes()))

	require.NoError(t, in.RemoveMsg(5))
	require.Equal(t, 0, in.BytesPresent())
}

func TestInBufGrowsOnBigWrite(t *testing.T) {
	// A 200,000-byte WRITE body
	// with a 16KiB initial InBuf must grow to the large tier intact.
	pool := NewPool(16*1024, 256*1024)
	in := NewInBuf(pool)
	defer in.Release()

	big := bytes.Repeat([]byte{0xAB}, 200_000)
	src := bytes.NewReader(big)

	for in.BytesPresent() < len(big) {
		_, err := in.Fill(src)
		require.NoError(t, err)
	}
	require.Equal(t, len(big), in.BytesPresent())
	require.True(t, bytes.Equal(big, in.Bytes()))
}

func TestInBufDisconnectOnEOF(t *testing.T) {
	pool := NewPool(64, 256)
	in := NewInBuf(pool)
	defer in.Release()

	res, err := in.Fill(bytes.NewReader(nil))
	require.NoError(t, err)
	require.Equal(t, Disconnect, res)
}

func TestOutBufAllocCommit(t *testing.T) {
	pool := NewPool(64, 256)
	out := NewOutBuf(pool)
	defer out.Release()

	off, ok := out.AllocRawMsg(20)
	require.True(t, ok)
	copy(out.Bytes()[off:], []byte("hi"))
	require.NoError(t, out.CommitMsg(off, 2))
	require.Equal(t, 2, out.BytesPresent())
}

func TestOutBufPushPopCtxRoundTrip(t *testing.T) {
	// BytesPresent after PushCtx then PopCtx with k bytes used equals
	// the pre-push BytesPresent + headerSize + k.
	pool := NewPool(64, 256)
	out := NewOutBuf(pool)
	defer out.Release()

	pre := out.BytesPresent()
	ctx := out.PushCtx(4, 50)
	require.Equal(t, CtxSuccess, ctx.Result)

	used, err := out.PopCtx(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 14, used)
	require.Equal(t, pre+4+10, out.BytesPresent())
}

func TestOutBufNestedPushPop(t *testing.T) {
	pool := NewPool(64, 256)
	out := NewOutBuf(pool)
	defer out.Release()

	outer := out.PushCtx(4, 100)
	require.Equal(t, 1, out.Depth())
	inner := out.PushCtx(4, 20)
	require.Equal(t, 2, out.Depth())

	_, err := out.PopCtx(inner, 5)
	require.NoError(t, err)
	require.Equal(t, 1, out.Depth())

	_, err = out.PopCtx(outer, 9)
	require.NoError(t, err)
	require.Equal(t, 0, out.Depth())
}

func TestOutBufPopMismatchRejected(t *testing.T) {
	pool := NewPool(64, 256)
	out := NewOutBuf(pool)
	defer out.Release()

	ctx := out.PushCtx(4, 10)
	_, err := out.PopCtx(ctx, 10)
	require.NoError(t, err)

	// Popping the same (now-stale) ctx again must fail, not corrupt state.
	_, err = out.PopCtx(ctx, 10)
	require.ErrorIs(t, err, ErrPopMismatch)
}

func TestOutBufFlushDrains(t *testing.T) {
	pool := NewPool(32, 128)
	out := NewOutBuf(pool)
	defer out.Release()

	off, ok := out.AllocRawMsg(10)
	require.True(t, ok)
	copy(out.Bytes()[off:], bytes.Repeat([]byte{1}, 10))
	require.NoError(t, out.CommitMsg(off, 10))

	var sink bytes.Buffer
	res, err := out.Flush(&sink, 0)
	require.NoError(t, err)
	require.Equal(t, Progress, res)
	require.Equal(t, 10, sink.Len())
	require.Equal(t, 0, out.BytesPresent())
}

type partialWriter struct{ n int }

func (p *partialWriter) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	return 1, nil // always accepts exactly one byte: simulated back-pressure
}

func TestOutBufFlushBackPressure(t *testing.T) {
	pool := NewPool(32, 128)
	out := NewOutBuf(pool)
	defer out.Release()

	off, _ := out.AllocRawMsg(5)
	copy(out.Bytes()[off:], []byte("abcde"))
	require.NoError(t, out.CommitMsg(off, 5))

	res, err := out.Flush(&partialWriter{}, 0)
	require.NoError(t, err)
	require.Equal(t, None, res)
	require.Equal(t, 4, out.BytesPresent())
}
