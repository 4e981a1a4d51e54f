package blobcache

import (
	"bufio"
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_EncodeDecodeFrame_RoundTrips(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		isRaw      bool
		compressed []byte
	}{
		{name: "Structured", isRaw: false, compressed: []byte{1, 2, 3, 4}},
		{name: "Raw", isRaw: true, compressed: []byte{}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			encoded := encodeFrame(testCase.isRaw, testCase.compressed)

			decoded, err := decodeFrame(bytes.NewReader(encoded))
			require.NoError(t, err)
			require.Equal(t, testCase.isRaw, decoded.isRaw)
			require.Equal(t, testCase.compressed, decoded.compressed)
		})
	}
}

func Test_DecodeFrame_Returns_ErrCorruptRecord_On_Bad_Discriminator(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 5)
	buf[0] = 7

	_, err := decodeFrame(bytes.NewReader(buf))
	require.ErrorIs(t, err, ErrCorruptRecord)
}

func Test_EncodeDecodeIndexRecord_RoundTrips(t *testing.T) {
	t.Parallel()

	entry := indexEntry{start: 42, length: 17, expires: 1000}

	encoded := encodeIndexRecord("some-key", entry)

	decoded, err := decodeIndexRecord(bufio.NewReader(bytes.NewReader(encoded)))
	require.NoError(t, err)
	require.Equal(t, "some-key", decoded.key)
	require.Equal(t, entry.start, decoded.start)
	require.Equal(t, entry.length, decoded.length)
	require.Equal(t, entry.expires, decoded.expires)
}

func Test_DecodeIndexRecord_Returns_Truncated_On_Empty_Stream(t *testing.T) {
	t.Parallel()

	_, err := decodeIndexRecord(bufio.NewReader(bytes.NewReader(nil)))
	require.True(t, errors.Is(err, errTruncated))
}

func Test_DecodeIndexRecord_Returns_ErrCorruptRecord_On_Zero_Length_Key(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 4)

	_, err := decodeIndexRecord(bufio.NewReader(bytes.NewReader(buf)))
	require.ErrorIs(t, err, ErrCorruptRecord)
}

func Test_EncodeDecodeWALRecord_RoundTrips_Put(t *testing.T) {
	t.Parallel()

	entry := indexEntry{start: 5, length: 9, expires: 0}

	encoded := encodeWALPut("wal-key", entry)

	decoded, err := decodeWALRecord(bufio.NewReader(bytes.NewReader(encoded)))
	require.NoError(t, err)
	require.False(t, decoded.delete)
	require.Equal(t, "wal-key", decoded.key)
	require.Equal(t, entry.start, decoded.entry.start)
	require.Equal(t, entry.length, decoded.entry.length)
}

func Test_EncodeDecodeWALRecord_RoundTrips_Delete(t *testing.T) {
	t.Parallel()

	encoded := encodeWALDelete("doomed-key")

	decoded, err := decodeWALRecord(bufio.NewReader(bytes.NewReader(encoded)))
	require.NoError(t, err)
	require.True(t, decoded.delete)
	require.Equal(t, "doomed-key", decoded.key)
}

func Test_DecodeWALRecord_Returns_ErrCorruptRecord_On_Bad_Op_Byte(t *testing.T) {
	t.Parallel()

	keyBytes := []byte("k")
	buf := make([]byte, 4+len(keyBytes)+1)
	buf[0] = byte(len(keyBytes))
	copy(buf[4:], keyBytes)
	buf[4+len(keyBytes)] = 9

	_, err := decodeWALRecord(bufio.NewReader(bytes.NewReader(buf)))
	require.ErrorIs(t, err, ErrCorruptRecord)
}
