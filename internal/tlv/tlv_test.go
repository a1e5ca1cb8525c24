package tlv_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"argusagent/internal/tlv"

	"github.com/stretchr/testify/require"
)

// byteAtATimeEndpoint feeds Recv one byte per call and buffers Send output,
// modeling a non-blocking socket that makes slow, partial progress.
type byteAtATimeEndpoint struct {
	in  []byte
	out bytes.Buffer
}

func (e *byteAtATimeEndpoint) Recv(buf []byte) (int, error) {
	if len(e.in) == 0 {
		return 0, nil
	}
	buf[0] = e.in[0]
	e.in = e.in[1:]
	return 1, nil
}

func (e *byteAtATimeEndpoint) Send(buf []byte) (int, error) {
	return e.out.Write(buf[:1])
}

func TestRoundTrip(t *testing.T) {
	wire := tlv.Serialize(tlv.TypeUTF8JSON, []byte(`{"a":1}`))
	ep := &byteAtATimeEndpoint{in: append([]byte(nil), wire...)}

	var pkg tlv.Package
	for {
		state, err := tlv.Recv(ep, &pkg)
		require.NoError(t, err)
		if state == tlv.StateComplete {
			break
		}
	}
	require.Equal(t, tlv.TypeUTF8JSON, pkg.Type)
	require.Equal(t, `{"a":1}`, string(pkg.Value))
}

func TestIncompleteIsIdempotent(t *testing.T) {
	ep := &byteAtATimeEndpoint{in: nil}
	var pkg tlv.Package
	for i := 0; i < 3; i++ {
		state, err := tlv.Recv(ep, &pkg)
		require.NoError(t, err)
		require.Equal(t, tlv.StateIncomplete, state)
	}
}

func TestTwoPacketsOneByteAtATime(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(tlv.Serialize(tlv.TypeBinary, []byte("a")))
	stream.Write(tlv.Serialize(tlv.TypeProtobuf, []byte("bc")))
	ep := &byteAtATimeEndpoint{in: stream.Bytes()}

	var got []tlv.Package
	var pkg tlv.Package
	for len(got) < 2 {
		state, err := tlv.Recv(ep, &pkg)
		require.NoError(t, err)
		if state == tlv.StateComplete {
			got = append(got, pkg)
			pkg = tlv.Package{}
		}
	}
	require.Equal(t, tlv.TypeBinary, got[0].Type)
	require.Equal(t, "a", string(got[0].Value))
	require.Equal(t, tlv.TypeProtobuf, got[1].Type)
	require.Equal(t, "bc", string(got[1].Value))
}

func TestOversizeValueIsRejected(t *testing.T) {
	header := make([]byte, tlv.HeaderLen)
	header[0] = 0
	header[1] = byte(tlv.TypeBinary)
	header[2] = 0xFF // length field set far above MaxValueLen
	ep := &byteAtATimeEndpoint{in: header}
	var pkg tlv.Package
	var state tlv.State
	var err error
	for i := 0; i < tlv.HeaderLen; i++ {
		state, err = tlv.Recv(ep, &pkg)
	}
	require.Equal(t, tlv.StateError, state)
	require.Error(t, err)
}

type errorEndpoint struct{}

func (errorEndpoint) Recv([]byte) (int, error) { return 0, io.ErrClosedPipe }
func (errorEndpoint) Send([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestRecvErrorPropagates(t *testing.T) {
	var pkg tlv.Package
	state, err := tlv.Recv(errorEndpoint{}, &pkg)
	require.Equal(t, tlv.StateError, state)
	require.True(t, errors.Is(err, io.ErrClosedPipe))
}

func TestSendRestartableAfterPartialWrite(t *testing.T) {
	ep := &byteAtATimeEndpoint{}
	pkg := tlv.Package{Type: tlv.TypeUTF8JSON, Value: []byte("ok")}
	wireLen := tlv.HeaderLen + len(pkg.Value)
	for i := 0; i < wireLen; i++ {
		state, err := tlv.Send(ep, &pkg)
		require.NoError(t, err)
		if i < wireLen-1 {
			require.Equal(t, tlv.StateIncomplete, state)
		} else {
			require.Equal(t, tlv.StateComplete, state)
		}
	}
	require.Equal(t, wireLen, ep.out.Len())
}
