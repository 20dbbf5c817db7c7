// Package zipstream assembles one zip archive from concurrently fetched
// files. Downloads land in per-file disk spools; a single writer goroutine
// splices finished spools into the archive in completion order, so the
// output stream never contains a partially transferred file.
package zipstream

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/your-org/mediapack/internal/media"
)

// Spool buffers one file on disk while it downloads. It implements the
// fetch sink contract: Reset rewinds to an empty file so a retried fetch
// starts over cleanly.
type Spool struct {
	f    *os.File
	size int64
}

// NewSpool creates a temp-file spool in dir (or the system temp dir when
// dir is empty).
func NewSpool(dir string) (*Spool, error) {
	f, err := os.CreateTemp(dir, "mediapack-*.part")
	if err != nil {
		return nil, fmt.Errorf("create spool: %w", err)
	}
	return &Spool{f: f}, nil
}

func (s *Spool) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	s.size += int64(n)
	return n, err
}

// Reset discards everything written so far.
func (s *Spool) Reset() error {
	if err := s.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate spool: %w", err)
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind spool: %w", err)
	}
	s.size = 0
	return nil
}

// Size reports the bytes currently spooled.
func (s *Spool) Size() int64 {
	return s.size
}

func (s *Spool) rewind() (io.Reader, error) {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind spool: %w", err)
	}
	return s.f, nil
}

// Discard closes and removes the spool file. Safe to call after the spool
// has been spliced into an archive.
func (s *Spool) Discard() error {
	name := s.f.Name()
	cerr := s.f.Close()
	rerr := os.Remove(name)
	if cerr != nil {
		return fmt.Errorf("close spool: %w", cerr)
	}
	if rerr != nil {
		return fmt.Errorf("remove spool: %w", rerr)
	}
	return nil
}

// Entry is one fully fetched file ready to be spliced into the archive.
type Entry struct {
	Name     string
	Kind     media.Kind
	Modified time.Time
	Spool    *Spool
}

// Config tunes the archive writer.
type Config struct {
	// QueueDepth bounds how many finished spools may wait for the writer.
	QueueDepth int
	// CopyBufferBytes sizes the splice buffer.
	CopyBufferBytes int
	// PhotoCompression is the flate level applied to photo entries; videos
	// are always stored uncompressed.
	PhotoCompression int
}

// Builder writes one archive. Exactly one goroutine must call Run; any
// number of producers may call Submit until CloseEntries.
type Builder struct {
	zw      *zip.Writer
	entries chan Entry
	copyBuf []byte

	abortC    chan struct{}
	abortOnce sync.Once
	abortE    error

	files int
	bytes int64
}

// New constructs a Builder writing the archive to w.
func New(w io.Writer, cfg Config) *Builder {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 4
	}
	if cfg.CopyBufferBytes <= 0 {
		cfg.CopyBufferBytes = 1 << 20
	}
	if cfg.PhotoCompression == 0 {
		cfg.PhotoCompression = flate.BestSpeed
	}

	zw := zip.NewWriter(w)
	level := cfg.PhotoCompression
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})

	return &Builder{
		zw:      zw,
		entries: make(chan Entry, cfg.QueueDepth),
		copyBuf: make([]byte, cfg.CopyBufferBytes),
		abortC:  make(chan struct{}),
	}
}

// Submit queues a finished spool for the writer. It blocks while the queue
// is full and returns the writer's failure once the archive has aborted, so
// producers stop fetching files nobody will read. On error the caller
// keeps ownership of the spool and must discard it.
func (b *Builder) Submit(e Entry) error {
	select {
	case b.entries <- e:
		return nil
	case <-b.abortC:
		return b.abortE
	}
}

// CloseEntries signals that no more entries will be submitted. Run returns
// after draining the queue.
func (b *Builder) CloseEntries() {
	close(b.entries)
}

// Run splices queued entries into the archive until CloseEntries, then
// flushes the central directory. After a write failure it keeps draining
// and discarding entries so producers never block on a dead archive.
func (b *Builder) Run() error {
	var runErr error
	for e := range b.entries {
		if runErr != nil {
			_ = e.Spool.Discard()
			continue
		}
		if err := b.append(e); err != nil {
			runErr = err
			b.fail(err)
		}
	}
	if runErr != nil {
		return runErr
	}
	if err := b.zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	return nil
}

// Stats reports entries and uncompressed bytes spliced so far. Call after
// Run returns.
func (b *Builder) Stats() (files int, bytes int64) {
	return b.files, b.bytes
}

func (b *Builder) append(e Entry) error {
	defer func() {
		_ = e.Spool.Discard()
	}()

	hdr := &zip.FileHeader{
		Name:     e.Name,
		Method:   methodFor(e.Kind),
		Modified: e.Modified,
	}
	w, err := b.zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("create entry %s: %w", e.Name, err)
	}

	r, err := e.Spool.rewind()
	if err != nil {
		return fmt.Errorf("entry %s: %w", e.Name, err)
	}
	n, err := io.CopyBuffer(w, r, b.copyBuf)
	if err != nil {
		return fmt.Errorf("splice entry %s: %w", e.Name, err)
	}

	b.files++
	b.bytes += n
	return nil
}

func (b *Builder) fail(err error) {
	b.abortOnce.Do(func() {
		b.abortE = err
		close(b.abortC)
	})
}

// Videos arrive pre-compressed by their codecs; recompressing burns CPU
// for no size win. Photos still deflate well.
func methodFor(kind media.Kind) uint16 {
	if kind == media.KindVideo {
		return zip.Store
	}
	return zip.Deflate
}
