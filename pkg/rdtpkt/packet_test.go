package rdtpkt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []Packet{
		New(0, 0, FlagSYN, nil),
		New(1, 1, FlagSYN|FlagACK, nil),
		New(1, 8, FlagACK, nil),
		New(1, 1, 0, []byte("abcdefg")),
		New(8, 8, FlagFIN, nil),
		New(8, 8, FlagFIN|FlagACK, nil),
		{Seq: 5, Ack: 9, Flags: 0, Payload: []byte{}},
	}
	for _, p := range cases {
		decoded, err := Decode(Encode(p))
		require.NoError(t, err)
		assert.Equal(t, p.Seq, decoded.Seq)
		assert.Equal(t, p.Ack, decoded.Ack)
		assert.Equal(t, p.Flags, decoded.Flags)
		assert.Equal(t, p.Payload, decoded.Payload)
	}
}

func TestDecodeShortHeader(t *testing.T) {
	_, err := Decode(make([]byte, HeaderLen-1))
	assert.Error(t, err)
}

func TestDecodeLengthMismatch(t *testing.T) {
	buf := Encode(New(1, 1, 0, []byte("hello")))
	buf = buf[:len(buf)-1] // truncate a payload byte without fixing the length field
	_, err := Decode(buf)
	assert.Error(t, err)
}

func TestDecodeOversizedLength(t *testing.T) {
	buf := Encode(New(1, 1, 0, nil))
	buf[9] = 0xff
	buf[10] = 0xff
	_, err := Decode(buf)
	assert.Error(t, err)
}

func TestControlPacketCarriesTinyPayload(t *testing.T) {
	syn := New(0, 0, FlagSYN, nil)
	assert.Equal(t, 1, syn.Len())
	assert.Equal(t, uint32(1), syn.End())
}

func TestFlagAccessors(t *testing.T) {
	p := New(0, 0, FlagSYN|FlagACK, nil)
	assert.True(t, p.SYN())
	assert.True(t, p.ACK())
	assert.False(t, p.FIN())
}
