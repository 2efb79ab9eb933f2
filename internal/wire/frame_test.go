package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []Header{
		{SrcDestID: 1, DstDestID: 2, SrcMbox: 1, DstMbox: 1, Type: Chan, Op: ConnReq, DstCh: 100, SrcCh: 0},
		{SrcDestID: 0xdeadbeef, DstDestID: 0xfeedface, SrcMbox: 3, DstMbox: 4, Type: Chan, Op: ConnAck, DstCh: 0xffff, SrcCh: 0x1234},
		{SrcDestID: 7, DstDestID: 9, Type: Chan, Op: DataMsg, DstCh: 200, SrcCh: 201, MsgLen: 42},
	}

	for _, h := range cases {
		buf := h.EncodeFull(nil)
		require.Len(t, buf, HeaderWithLenSize)
		got, err := Decode(buf)
		require.NoError(t, err)
		assert.Equal(t, h, got)
	}
}

func TestDecodeShortFrame(t *testing.T) {
	_, err := Decode(make([]byte, HeaderWithLenSize-1))
	assert.Error(t, err)
}

func TestEncodeDataFrame(t *testing.T) {
	h := Header{SrcDestID: 1, DstDestID: 2, DstCh: 10, SrcCh: 20}
	buf, err := EncodeData(h, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, HeaderWithLenSize+5, len(buf))

	f, err := DecodeFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, DataMsg, f.Header.Op)
	assert.Equal(t, Chan, f.Header.Type)
	assert.Equal(t, uint16(len(buf)), f.Header.MsgLen)
	assert.Equal(t, []byte("hello"), f.Payload)
}

func TestEncodeDataFrameTooLarge(t *testing.T) {
	h := Header{SrcDestID: 1, DstDestID: 2}
	_, err := EncodeData(h, make([]byte, MaxMessage))
	assert.Error(t, err)
}

func TestEncodeControlFrame(t *testing.T) {
	h := Header{SrcDestID: 1, DstDestID: 2, DstCh: 5, SrcCh: 6}
	buf := EncodeControl(h, ConnClose)
	f, err := DecodeFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, ConnClose, f.Header.Op)
	assert.Empty(t, f.Payload)
}
