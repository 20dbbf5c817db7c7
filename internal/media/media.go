package media

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Kind classifies a file by how it is fetched and archived.
type Kind string

const (
	KindPhoto Kind = "photo"
	KindVideo Kind = "video"
)

// FileRef identifies one remotely hosted media file in a collection.
// Upstream callers send loosely shaped file objects; everything past the
// HTTP boundary works with this type only.
type FileRef struct {
	FileName  string
	SourceURL string
	SizeBytes int64
	Kind      Kind
}

var videoExtensions = map[string]struct{}{
	".mp4":  {},
	".mov":  {},
	".m4v":  {},
	".avi":  {},
	".mkv":  {},
	".webm": {},
	".mts":  {},
	".3gp":  {},
}

// KindForName infers the media kind from the file name extension.
// Anything that is not a known video container counts as a photo.
func KindForName(name string) Kind {
	ext := strings.ToLower(path.Ext(name))
	if _, ok := videoExtensions[ext]; ok {
		return KindVideo
	}
	return KindPhoto
}

// Normalize validates a caller-supplied reference and fills derived fields.
// The file name is reduced to its base component so a hostile name can never
// escape the archive root.
func Normalize(ref FileRef) (FileRef, error) {
	name := strings.TrimSpace(ref.FileName)
	if name != "" {
		name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	}
	if name == "" || name == "." || name == ".." || name == "/" {
		return FileRef{}, fmt.Errorf("file name is empty")
	}

	if ref.SizeBytes <= 0 {
		return FileRef{}, fmt.Errorf("file %q: declared size must be positive, got %d", name, ref.SizeBytes)
	}

	u, err := url.Parse(strings.TrimSpace(ref.SourceURL))
	if err != nil {
		return FileRef{}, fmt.Errorf("file %q: parse source url: %w", name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return FileRef{}, fmt.Errorf("file %q: source url %q is not an absolute http(s) url", name, ref.SourceURL)
	}

	kind := ref.Kind
	switch kind {
	case KindPhoto, KindVideo:
	case "":
		kind = KindForName(name)
	default:
		return FileRef{}, fmt.Errorf("file %q: unknown media kind %q", name, ref.Kind)
	}

	return FileRef{
		FileName:  name,
		SourceURL: u.String(),
		SizeBytes: ref.SizeBytes,
		Kind:      kind,
	}, nil
}

// IsVideo reports whether the file is passed through without compression.
func (f FileRef) IsVideo() bool {
	return f.Kind == KindVideo
}
