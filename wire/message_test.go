package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monzo-labs/torrentcore/core"
)

func TestMessageRoundTrip(t *testing.T) {
	tests := []*Message{
		NewChoke(),
		NewUnchoke(),
		NewInterested(),
		NewNotInterested(),
		NewHave(7),
		NewBitfield([]byte{0xff, 0x00}),
		NewRequest(1, 0, 16384),
		NewPiece(1, 0, []byte("hello world")),
		NewCancel(1, 0, 16384),
		NewExtended(1, []byte("d1:md11:ut_pexi1eee")),
		{KeepAlive: true},
	}
	for _, m := range tests {
		t.Run(m.ID.String(), func(t *testing.T) {
			require := require.New(t)

			encoded, err := Encode(m)
			require.NoError(err)

			decoded, n, err := Decode(encoded, DefaultMaxFrameLength)
			require.NoError(err)
			require.Equal(len(encoded), n)
			require.Equal(m, decoded)
		})
	}
}

func TestDecodeIncompleteFrame(t *testing.T) {
	require := require.New(t)

	full, err := Encode(NewPiece(1, 0, []byte("hello world")))
	require.NoError(err)

	for i := 0; i < len(full); i++ {
		m, n, err := Decode(full[:i], DefaultMaxFrameLength)
		require.NoError(err)
		require.Nil(m)
		require.Equal(0, n)
	}
}

func TestDecodeFrameTooLarge(t *testing.T) {
	require := require.New(t)

	full, err := Encode(NewPiece(1, 0, make([]byte, 1024)))
	require.NoError(err)

	_, _, err = Decode(full, 16)
	require.Equal(ErrFrameTooLarge, err)
}

func TestHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	h := Handshake{
		InfoHash: core.InfoHashFixture(),
		PeerID:   core.PeerIDFixture(),
		Extended: true,
	}
	require.NoError(h.WriteTo(&buf))

	got, err := ReadHandshake(&buf)
	require.NoError(err)
	require.Equal(h, got)
}

func TestExtendedHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	h := ExtendedHandshake{
		M:            map[string]int{"ut_pex": 1},
		Port:         6881,
		Version:      "torrentcore/0.1",
		MetadataSize: 4096,
		Encryption:   PreferEncrypted,
		Extra:        map[string]interface{}{},
	}
	encoded, err := EncodeExtendedHandshake(h)
	require.NoError(err)

	decoded, err := DecodeExtendedHandshake(encoded)
	require.NoError(err)
	require.Equal(h.M, decoded.M)
	require.Equal(h.Port, decoded.Port)
	require.Equal(h.Version, decoded.Version)
	require.Equal(h.MetadataSize, decoded.MetadataSize)
}

func TestEncryptionFlagAlwaysWinsLast(t *testing.T) {
	require := require.New(t)

	// Every policy falls through to the same final assignment; this test
	// documents that preserved quirk rather than "fixing" it.
	for _, p := range []EncryptionPolicy{RequirePlaintext, PreferPlaintext, PreferEncrypted, RequireEncrypted} {
		require.True(encryptionFlag(p))
	}
}
