package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecsCarryPayloadMaps(t *testing.T) {
	for _, codec := range []Codec{JSON(), CBOR()} {
		t.Run(codec.Name(), func(t *testing.T) {
			var buf bytes.Buffer
			enc := codec.NewEncoder(&buf)
			require.NoError(t, enc.Encode(NewCall(7, "echo", map[string]any{"msg": "hi"})))
			require.NoError(t, enc.Encode(NewError(7, "boom", "it broke")))

			dec := codec.NewDecoder(&buf)
			call, err := dec.Decode()
			require.NoError(t, err)
			assert.Equal(t, uint64(7), call.ID)
			assert.Equal(t, TypeCall, call.Type)
			assert.Equal(t, "echo", call.Payload.Method)
			assert.Equal(t, map[string]any{"msg": "hi"}, call.Payload.Params)

			errEnv, err := dec.Decode()
			require.NoError(t, err)
			require.NotNil(t, errEnv.Payload.Error)
			assert.Equal(t, "boom", errEnv.Payload.Error.Code)
			assert.Equal(t, "it broke", errEnv.Payload.Error.Message)

			_, err = dec.Decode()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestCodecRejectsOversizedFrames(t *testing.T) {
	for _, codec := range []Codec{JSON(WithMaxFrame(32)), CBOR(WithMaxFrame(32))} {
		t.Run(codec.Name(), func(t *testing.T) {
			var buf bytes.Buffer
			err := codec.NewEncoder(&buf).Encode(NewResponse(1, string(make([]byte, 64))))
			assert.ErrorIs(t, err, ErrFrameTooLarge)
			assert.Zero(t, buf.Len())

			var encErr *EncodeError
			require.ErrorAs(t, err, &encErr)
			assert.Equal(t, uint64(1), encErr.ID)
		})
	}
}

func TestCodecUnencodableEnvelopeWritesNothing(t *testing.T) {
	for _, codec := range []Codec{JSON(), CBOR()} {
		t.Run(codec.Name(), func(t *testing.T) {
			var buf bytes.Buffer
			enc := codec.NewEncoder(&buf)

			err := enc.Encode(NewCall(4, "echo", map[string]any{"ch": make(chan int)}))
			var encErr *EncodeError
			require.ErrorAs(t, err, &encErr)
			assert.Equal(t, uint64(4), encErr.ID)
			assert.Zero(t, buf.Len())

			require.NoError(t, enc.Encode(NewCall(5, "echo", "ok")))
			env, err := codec.NewDecoder(&buf).Decode()
			require.NoError(t, err)
			assert.Equal(t, uint64(5), env.ID)
		})
	}
}

func TestCBORDecoderRejectsOversizedLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, CBOR().NewEncoder(&buf).Encode(NewResponse(1, "0123456789abcdef0123456789abcdef")))

	_, err := CBOR(WithMaxFrame(8)).NewDecoder(&buf).Decode()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestCBORDecoderTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, CBOR().NewEncoder(&buf).Encode(NewChunk(3, "partial")))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])

	_, err := CBOR().NewDecoder(truncated).Decode()
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF), "got %v", err)
}

func TestJSONDecoderSkipsBlankLines(t *testing.T) {
	input := "\n\n" + `{"id":4,"type":"end","payload":{}}` + "\n"
	env, err := JSON().NewDecoder(bytes.NewBufferString(input)).Decode()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), env.ID)
	assert.Equal(t, TypeEnd, env.Type)
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("CBOR")
	require.NoError(t, err)
	assert.Equal(t, "cbor", c.Name())

	c, err = ParseCodec("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	_, err = ParseCodec("xml")
	assert.Error(t, err)
}

func TestTypeTerminal(t *testing.T) {
	assert.True(t, TypeResponse.Terminal())
	assert.True(t, TypeError.Terminal())
	assert.True(t, TypeEnd.Terminal())
	assert.False(t, TypeChunk.Terminal())
	assert.False(t, TypeCall.Terminal())
	assert.False(t, Type("bogus").Valid())
}
