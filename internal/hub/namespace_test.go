package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNamespace(t *testing.T) {
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{path: "/ingest/abc123", want: "abc123"},
		{path: "/ingest/a-b_c.d", want: "a-b_c.d"},
		{path: "/ingest/", wantErr: true},
		{path: "/ingest/a/b", wantErr: true},
		{path: "/ingest", wantErr: true},
		{path: "/view/abc", wantErr: true},
		{path: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := ParseNamespace(tt.path)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidNamespace)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("abc123")
	assert.Len(t, a, 16)
	assert.Equal(t, a, Fingerprint("abc123"))
	assert.NotEqual(t, a, Fingerprint("abc124"))
	assert.NotContains(t, a, "abc123")
}

func TestCounter(t *testing.T) {
	c := NewCounter(nil)
	assert.Equal(t, int64(0), c.Dec())
	assert.Equal(t, int64(1), c.Inc())
	assert.Equal(t, int64(2), c.Inc())
	assert.Equal(t, int64(1), c.Dec())
	assert.Equal(t, int64(1), c.Value())
}
