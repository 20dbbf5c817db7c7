package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindForName(t *testing.T) {
	testCases := []struct {
		name string
		want Kind
	}{
		{"IMG_2041.jpg", KindPhoto},
		{"scan.tiff", KindPhoto},
		{"no-extension", KindPhoto},
		{"clip.mp4", KindVideo},
		{"CLIP.MP4", KindVideo},
		{"holiday.MOV", KindVideo},
		{"talk.webm", KindVideo},
		{"phone.3gp", KindVideo},
		{"archive.mp4.txt", KindPhoto},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.want, KindForName(tc.name), "name %q", tc.name)
	}
}

func TestNormalizeFillsDerivedFields(t *testing.T) {
	ref, err := Normalize(FileRef{
		FileName:  "  clip.mp4 ",
		SourceURL: " https://cdn.example.com/clip.mp4 ",
		SizeBytes: 1024,
	})
	require.NoError(t, err)
	assert.Equal(t, "clip.mp4", ref.FileName)
	assert.Equal(t, "https://cdn.example.com/clip.mp4", ref.SourceURL)
	assert.Equal(t, KindVideo, ref.Kind)
	assert.True(t, ref.IsVideo())
}

func TestNormalizeKeepsExplicitKind(t *testing.T) {
	ref, err := Normalize(FileRef{
		FileName:  "raw-export.bin",
		SourceURL: "https://cdn.example.com/raw",
		SizeBytes: 1,
		Kind:      KindVideo,
	})
	require.NoError(t, err)
	assert.Equal(t, KindVideo, ref.Kind, "an explicit kind wins over the extension")
}

func TestNormalizeStripsHostilePaths(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{"../../../etc/passwd.jpg", "passwd.jpg"},
		{"/var/lib/pic.png", "pic.png"},
		{`..\..\windows\system32\cfg.png`, "cfg.png"},
		{"nested/dir/photo.jpg", "photo.jpg"},
	}

	for _, tc := range testCases {
		ref, err := Normalize(FileRef{FileName: tc.in, SourceURL: "https://cdn.example.com/x", SizeBytes: 1})
		require.NoError(t, err, "name %q", tc.in)
		assert.Equal(t, tc.want, ref.FileName, "name %q", tc.in)
	}
}

func TestNormalizeRejectsBadInput(t *testing.T) {
	testCases := []struct {
		name    string
		ref     FileRef
		wantErr string
	}{
		{
			name:    "empty name",
			ref:     FileRef{FileName: "   ", SourceURL: "https://cdn.example.com/x", SizeBytes: 1},
			wantErr: "file name is empty",
		},
		{
			name:    "name reduces to slash",
			ref:     FileRef{FileName: "///", SourceURL: "https://cdn.example.com/x", SizeBytes: 1},
			wantErr: "file name is empty",
		},
		{
			name:    "name reduces to parent dir",
			ref:     FileRef{FileName: "a/..", SourceURL: "https://cdn.example.com/x", SizeBytes: 1},
			wantErr: "file name is empty",
		},
		{
			name:    "zero size",
			ref:     FileRef{FileName: "a.jpg", SourceURL: "https://cdn.example.com/x", SizeBytes: 0},
			wantErr: "declared size",
		},
		{
			name:    "negative size",
			ref:     FileRef{FileName: "a.jpg", SourceURL: "https://cdn.example.com/x", SizeBytes: -3},
			wantErr: "declared size",
		},
		{
			name:    "relative url",
			ref:     FileRef{FileName: "a.jpg", SourceURL: "/path/only", SizeBytes: 1},
			wantErr: "absolute http(s) url",
		},
		{
			name:    "wrong scheme",
			ref:     FileRef{FileName: "a.jpg", SourceURL: "s3://bucket/key", SizeBytes: 1},
			wantErr: "absolute http(s) url",
		},
		{
			name:    "unknown kind",
			ref:     FileRef{FileName: "a.jpg", SourceURL: "https://cdn.example.com/x", SizeBytes: 1, Kind: "document"},
			wantErr: "unknown media kind",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize(tc.ref)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
