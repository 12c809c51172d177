package vmorch

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResultFramingRoundTrip(t *testing.T) {
	type report struct {
		Status string `json:"status"`
		Value  int    `json:"value"`
	}

	var buf bytes.Buffer
	in := report{Status: "success", Value: 42}
	require.NoError(t, WriteResult(&buf, in))

	var out report
	require.NoError(t, ReadResult(&buf, &out))
	require.Equal(t, in, out)
}

func TestReadResult_TruncatedHeader(t *testing.T) {
	buf := bytes.NewReader([]byte{0x00, 0x01})
	var out any
	err := ReadResult(buf, &out)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestReadResult_TruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(10_000_000))
	buf.WriteString("short")

	var out any
	err := ReadResult(&buf, &out)
	require.ErrorIs(t, err, ErrProtocol)
	require.Contains(t, err.Error(), "payload truncated")
}

func TestReadResult_InvalidJSON(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(2))
	buf.WriteString("{x")

	var out any
	err := ReadResult(&buf, &out)
	require.ErrorIs(t, err, ErrJSON)
}

func TestDeriveCID_InRangeAndDeterministic(t *testing.T) {
	id := "abcdef0012345678"
	c1 := deriveCID(id, 0)
	c2 := deriveCID(id, 0)
	require.Equal(t, c1, c2)
	require.GreaterOrEqual(t, c1, uint32(reservedCIDs))
	require.Less(t, c1, uint32(reservedCIDs+cidModulus))
}

func TestDeriveCID_SaltChangesCandidate(t *testing.T) {
	id := "abcdef0012345678"
	c1 := deriveCID(id, 0)
	c2 := deriveCID(id, 1)
	require.NotEqual(t, c1, c2)
}

func TestDeriveNaming_UniquePerTask(t *testing.T) {
	n1 := deriveNaming("task-one-aaaaaaaa", 0, "/tmp")
	n2 := deriveNaming("task-two-bbbbbbbb", 0, "/tmp")
	require.NotEqual(t, n1.APISocketPath, n2.APISocketPath)
	require.NotEqual(t, n1.VsockUDSPath, n2.VsockUDSPath)
	require.NotEqual(t, n1.LogPath, n2.LogPath)
}
