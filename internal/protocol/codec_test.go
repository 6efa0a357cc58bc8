package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsherman999/statehub/internal/state"
)

func TestByName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: "json"},
		{in: "json", want: "json"},
		{in: "cbor", want: "cbor"},
		{in: "msgpack", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			c, err := ByName(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownCodec)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Name())
		})
	}
}

func TestCodecs_PatchFrame(t *testing.T) {
	for _, c := range []Codec{JSON, CBOR} {
		t.Run(c.Name(), func(t *testing.T) {
			in := StorePatch{Changes: []state.Change{
				{Op: state.OpAdd, Path: "/settings", Value: map[string]any{"theme": "dark"}},
				{Op: state.OpReplace, Path: state.PathInitialized, Value: true},
			}}
			b, err := c.EncodeFrame(EventStorePatch, 7, in)
			require.NoError(t, err)

			f, err := c.DecodeFrame(b)
			require.NoError(t, err)
			assert.Equal(t, EventStorePatch, f.Event)
			assert.Equal(t, uint64(7), f.ID)

			var out StorePatch
			require.NoError(t, c.Unmarshal(f.Data, &out))
			require.Len(t, out.Changes, 2)
			settings, ok := out.Changes[0].Value.(map[string]any)
			require.True(t, ok, "nested objects decode as map[string]any, got %T", out.Changes[0].Value)
			assert.Equal(t, "dark", settings["theme"])
			assert.Equal(t, true, out.Changes[1].Value)
		})
	}
}

func TestCodecs_EmptyPayload(t *testing.T) {
	for _, c := range []Codec{JSON, CBOR} {
		t.Run(c.Name(), func(t *testing.T) {
			b, err := c.EncodeFrame(EventLatencyCheck, 3, nil)
			require.NoError(t, err)
			f, err := c.DecodeFrame(b)
			require.NoError(t, err)
			assert.Empty(t, f.Data)

			var req HandshakeRequest
			require.NoError(t, c.Unmarshal(f.Data, &req))
			assert.Zero(t, req.Version)
		})
	}
}

func TestJSON_DecodeFrameErrors(t *testing.T) {
	_, err := JSON.DecodeFrame([]byte(`{"id":1}`))
	require.ErrorIs(t, err, ErrMissingEvent)

	_, err = JSON.DecodeFrame([]byte(`not json`))
	require.Error(t, err)
}

func TestReserved(t *testing.T) {
	assert.True(t, Reserved(EventAck))
	assert.True(t, Reserved(EventDisconnect))
	assert.False(t, Reserved(EventHandshake))
}
