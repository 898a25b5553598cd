package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	d := NewDetector(DefaultCompatibleJumps...)

	tests := []struct {
		name          string
		local, remote string
		wantAvailable bool
		wantForce     bool
	}{
		{"same version", "1.4.0", "1.4.0", false, false},
		{"local minor newer", "1.5.0", "1.4.2", true, false},
		{"remote newer", "1.4.0", "1.5.0", false, false},
		{"local major newer", "2.0.0", "1.9.3", true, true},
		{"two majors behind", "3.1.0", "1.0.0", true, true},
		{"compatible jump", "1.0.0", "0.9.0", true, false},
		{"remote newer major", "1.0.0", "2.0.0", false, false},
		{"prerelease", "1.5.0-rc.1", "1.4.0", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := d.Detect(tt.local, tt.remote)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAvailable, st.Available)
			assert.Equal(t, tt.wantForce, st.Force)
		})
	}
}

func TestDetectCompatibleChain(t *testing.T) {
	d := NewDetector(Jump{From: 1, To: 2}, Jump{From: 2, To: 3})

	st, err := d.Detect("3.0.0", "1.2.0")
	require.NoError(t, err)
	assert.True(t, st.Available)
	assert.False(t, st.Force)

	st, err = d.Detect("4.0.0", "1.2.0")
	require.NoError(t, err)
	assert.True(t, st.Force)
}

func TestDetectUnparseable(t *testing.T) {
	d := NewDetector()
	_, err := d.Detect("dev", "1.0.0")
	assert.Error(t, err)
	_, err = d.Detect("1.0.0", "")
	assert.Error(t, err)
}

func TestNewerThanAll(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		known     []string
		want      bool
		wantErr   bool
	}{
		{"newer than all", "2.1.0", []string{"1.0.0", "2.0.9"}, true, false},
		{"equal to one", "2.0.0", []string{"1.0.0", "2.0.0"}, false, false},
		{"older than one", "1.5.0", []string{"2.0.0"}, false, false},
		{"nothing known", "1.0.0", nil, true, false},
		{"bad candidate", "latest", []string{"1.0.0"}, false, true},
		{"bad known", "1.0.0", []string{"x.y"}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewerThanAll(tt.candidate, tt.known)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompareAndLatest(t *testing.T) {
	c, err := Compare("1.10.0", "1.9.0")
	require.NoError(t, err)
	assert.Equal(t, 1, c)

	latest, ok := Latest([]string{"1.9.0", "bogus", "1.10.0", "1.2.3"})
	assert.True(t, ok)
	assert.Equal(t, "1.10.0", latest)

	_, ok = Latest([]string{"bogus"})
	assert.False(t, ok)
}
