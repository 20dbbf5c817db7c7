package archive

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/mediapack/internal/media"
)

// Request is one validated archive request. EventID scopes the stored
// object and the completion event; Identity is the caller's network origin,
// which admission combines with the email.
type Request struct {
	ID         string
	EventID    string
	Email      string
	Identity   string
	Files      []media.FileRef
	ReceivedAt time.Time
}

// NewRequest validates the inbound fields and normalizes every file
// reference. A blank request id gets a generated one. Duplicate entry names
// are disambiguated so no file clobbers another inside the archive.
func NewRequest(id, eventID, email, identity string, files []media.FileRef, receivedAt time.Time) (Request, error) {
	if id == "" {
		id = uuid.NewString()
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return Request{}, errors.New("event id is required")
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return Request{}, errors.New("requester email is required")
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Request{}, errors.New("client identity is required")
	}
	if len(files) == 0 {
		return Request{}, errors.New("at least one file is required")
	}

	normalized := make([]media.FileRef, 0, len(files))
	for i, f := range files {
		nf, err := media.Normalize(f)
		if err != nil {
			return Request{}, fmt.Errorf("file %d (%s): %w", i, f.FileName, err)
		}
		normalized = append(normalized, nf)
	}

	return Request{
		ID:         id,
		EventID:    eventID,
		Email:      email,
		Identity:   identity,
		Files:      uniqueNames(normalized),
		ReceivedAt: receivedAt,
	}, nil
}

// uniqueNames renames collisions in input order: a.jpg, a (1).jpg, a (2).jpg.
// Comparison is case-insensitive so extraction on case-folding filesystems
// cannot clobber entries either.
func uniqueNames(files []media.FileRef) []media.FileRef {
	used := make(map[string]struct{}, len(files))
	out := make([]media.FileRef, len(files))
	for i, f := range files {
		name := f.FileName
		for n := 1; ; n++ {
			if _, taken := used[strings.ToLower(name)]; !taken {
				break
			}
			name = numberedName(f.FileName, n)
		}
		used[strings.ToLower(name)] = struct{}{}
		f.FileName = name
		out[i] = f
	}
	return out
}

func numberedName(name string, n int) string {
	ext := path.Ext(name)
	return fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), n, ext)
}
