package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	root := t.TempDir()
	videos := filepath.Join(root, "videos")
	outside := filepath.Join(root, "outside")
	require.NoError(t, os.MkdirAll(videos, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(videos, "link")))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"video in directory", filepath.Join(videos, "lab_FPV-2024-05-01_09-30.mp4"), false},
		{"nested frames", filepath.Join(videos, "temp_lab", "00001.jpg"), false},
		{"directory itself", videos, false},
		{"dot dot", filepath.Join(videos, "..", "escape.mp4"), true},
		{"sibling", filepath.Join(outside, "x.mp4"), true},
		{"through symlink", filepath.Join(videos, "link", "x.mp4"), true},
		{"through symlink, missing tail", filepath.Join(videos, "link", "new", "x.mp4"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, videos)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrPathEscape)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.Error(t, ValidatePathWithinDirectory("x.mp4", filepath.Join(root, "missing")))
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"lab_FPV-2024-05-01_09-30", "lab_FPV-2024-05-01_09-30"},
		{"../../etc/passwd", "etc_passwd"},
		{"scene with spaces", "scene_with_spaces"},
		{"a//b", "a_b"},
		{"", "unknown"},
		{"...", "unknown"},
		{"café", "caf"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), "in=%q", tt.in)
	}

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, SanitizeFilename(string(long)), 128)
}
