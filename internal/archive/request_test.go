package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/mediapack/internal/media"
)

func TestNewRequestGeneratesIDWhenMissing(t *testing.T) {
	req, err := NewRequest("", "evt-1", "user@example.com", "203.0.113.7",
		[]media.FileRef{photo("a.jpg", mb)}, time.Now())
	require.NoError(t, err)
	assert.Len(t, req.ID, 36, "blank id gets a generated uuid")
	assert.Equal(t, "evt-1", req.EventID)

	req2, err := NewRequest("", "evt-1", "user@example.com", "203.0.113.7",
		[]media.FileRef{photo("a.jpg", mb)}, time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, req.ID, req2.ID)
}

func TestNewRequestValidation(t *testing.T) {
	valid := photo("a.jpg", mb)

	testCases := []struct {
		name     string
		eventID  string
		email    string
		identity string
		files    []media.FileRef
		wantErr  string
	}{
		{
			name:     "blank event id",
			eventID:  "   ",
			email:    "user@example.com",
			identity: "203.0.113.7",
			files:    []media.FileRef{valid},
			wantErr:  "event id",
		},
		{
			name:     "blank email",
			eventID:  "evt-1",
			email:    "   ",
			identity: "203.0.113.7",
			files:    []media.FileRef{valid},
			wantErr:  "requester email",
		},
		{
			name:    "blank identity",
			eventID: "evt-1",
			email:   "user@example.com",
			files:   []media.FileRef{valid},
			wantErr: "client identity",
		},
		{
			name:     "no files",
			eventID:  "evt-1",
			email:    "user@example.com",
			identity: "203.0.113.7",
			wantErr:  "at least one file",
		},
		{
			name:     "bad source url",
			eventID:  "evt-1",
			email:    "user@example.com",
			identity: "203.0.113.7",
			files: []media.FileRef{
				valid,
				{FileName: "b.jpg", SourceURL: "ftp://cdn.example.com/b.jpg", SizeBytes: mb},
			},
			wantErr: "file 1 (b.jpg)",
		},
		{
			name:     "nonpositive size",
			eventID:  "evt-1",
			email:    "user@example.com",
			identity: "203.0.113.7",
			files: []media.FileRef{
				{FileName: "b.jpg", SourceURL: "https://cdn.example.com/b.jpg", SizeBytes: 0},
			},
			wantErr: "declared size",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRequest("id", tc.eventID, tc.email, tc.identity, tc.files, time.Now())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestNewRequestTrimsAndNormalizes(t *testing.T) {
	files := []media.FileRef{
		{FileName: "../../etc/secrets.jpg", SourceURL: "https://cdn.example.com/1", SizeBytes: mb},
		{FileName: `C:\Users\me\holiday.mp4`, SourceURL: "https://cdn.example.com/2", SizeBytes: mb},
	}
	req, err := NewRequest("id", " evt-7 ", "  user@example.com  ", " 203.0.113.7 ", files, time.Now())
	require.NoError(t, err)

	assert.Equal(t, "evt-7", req.EventID)
	assert.Equal(t, "user@example.com", req.Email)
	assert.Equal(t, "203.0.113.7", req.Identity)

	require.Len(t, req.Files, 2)
	assert.Equal(t, "secrets.jpg", req.Files[0].FileName)
	assert.Equal(t, media.KindPhoto, req.Files[0].Kind)
	assert.Equal(t, "holiday.mp4", req.Files[1].FileName)
	assert.Equal(t, media.KindVideo, req.Files[1].Kind, "kind is inferred from the extension")
}

func TestNewRequestDisambiguatesDuplicateNames(t *testing.T) {
	files := []media.FileRef{
		photo("a.jpg", mb),
		photo("a.jpg", mb),
		photo("A.JPG", mb),
		photo("b.jpg", mb),
	}
	req, err := NewRequest("id", "evt-1", "user@example.com", "203.0.113.7", files, time.Now())
	require.NoError(t, err)

	names := make([]string, 0, len(req.Files))
	for _, f := range req.Files {
		names = append(names, f.FileName)
	}
	assert.Equal(t, []string{"a.jpg", "a (1).jpg", "A (2).JPG", "b.jpg"}, names,
		"collisions are case-insensitive and renamed in input order")
}
