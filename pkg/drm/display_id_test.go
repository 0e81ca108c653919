package drm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDisplayID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    DisplayID
		wantErr bool
	}{
		{
			name:  "hdmi with variant letter",
			input: "HDMI-A-1",
			want:  DisplayID{Kind: "HDMI-A", Instance: 1},
		},
		{
			name:  "displayport",
			input: "DP-3",
			want:  DisplayID{Kind: "DP", Instance: 3},
		},
		{
			name:  "embedded displayport",
			input: "eDP-1",
			want:  DisplayID{Kind: "eDP", Instance: 1},
		},
		{
			name:  "virtual",
			input: "Virtual-12",
			want:  DisplayID{Kind: "Virtual", Instance: 12},
		},
		{
			name:    "no separator",
			input:   "HDMI",
			wantErr: true,
		},
		{
			name:    "no numeric suffix",
			input:   "HDMI-A-x",
			wantErr: true,
		},
		{
			name:    "trailing separator",
			input:   "HDMI-",
			wantErr: true,
		},
		{
			name:    "leading separator only",
			input:   "-1",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDisplayID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDisplayIDString(t *testing.T) {
	id := DisplayID{Kind: "HDMI-A", Instance: 2}
	assert.Equal(t, "HDMI-A-2", id.String())

	// String output parses back to the same value.
	parsed, err := ParseDisplayID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestDisplayIDFromConnector(t *testing.T) {
	assert.Equal(t, DisplayID{Kind: "HDMI-A", Instance: 1}, displayIDFromConnector(11, 1))
	assert.Equal(t, DisplayID{Kind: "eDP", Instance: 1}, displayIDFromConnector(14, 1))
	assert.Equal(t, DisplayID{Kind: "DP", Instance: 2}, displayIDFromConnector(10, 2))

	// Out-of-range connector types fall back to Unknown rather than panic.
	assert.Equal(t, DisplayID{Kind: "Unknown", Instance: 7}, displayIDFromConnector(99, 7))
}
