package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePart struct {
	number int
	data   []byte
}

type fakeStore struct {
	initErr     error
	partErrs    map[int]error
	completeErr error

	starts    int
	parts     []fakePart
	completed []string
	aborts    int
}

func (f *fakeStore) StartMultipart(ctx context.Context, key, contentType string) (string, error) {
	if f.initErr != nil {
		return "", f.initErr
	}
	f.starts++
	return "session-1", nil
}

func (f *fakeStore) UploadPart(ctx context.Context, key, uploadID string, number int, r io.Reader, size int64) (string, error) {
	if err := f.partErrs[number]; err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("size mismatch: declared %d, read %d", size, len(data))
	}
	f.parts = append(f.parts, fakePart{number: number, data: data})
	return fmt.Sprintf("etag-%d", number), nil
}

func (f *fakeStore) CompleteMultipart(ctx context.Context, key, uploadID string, etags []string) (string, error) {
	if f.completeErr != nil {
		return "", f.completeErr
	}
	f.completed = etags
	return "final-etag", nil
}

func (f *fakeStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	f.aborts++
	return nil
}

// newTestSink skips New so tests can use part sizes below the storage
// minimum.
func newTestSink(fs *fakeStore, partSize int64) *Sink {
	return &Sink{
		store:  fs,
		cfg:    Config{PartSizeBytes: partSize, ContentType: "application/zip"},
		logger: zap.NewNop(),
	}
}

func streamOf(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 199)
	}
	return b
}

func TestUploadOrdersAndSizesParts(t *testing.T) {
	fs := &fakeStore{}
	s := newTestSink(fs, 1024)

	data := streamOf(2560)
	res, err := s.Upload(context.Background(), "archives/a.zip", bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, "archives/a.zip", res.Key)
	assert.Equal(t, "final-etag", res.ETag)
	assert.Equal(t, int64(2560), res.Size)
	assert.Equal(t, 3, res.Parts)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.SHA256)

	require.Len(t, fs.parts, 3)
	var reassembled []byte
	for i, p := range fs.parts {
		assert.Equal(t, i+1, p.number)
		reassembled = append(reassembled, p.data...)
	}
	assert.Equal(t, []int{1024, 1024, 512}, []int{len(fs.parts[0].data), len(fs.parts[1].data), len(fs.parts[2].data)})
	assert.Equal(t, data, reassembled)

	require.Len(t, fs.completed, 3)
	assert.Equal(t, "etag-2", fs.completed[1])
	assert.Zero(t, fs.aborts)
}

func TestNewRaisesPartSizeToStorageMinimum(t *testing.T) {
	s := New(&fakeStore{}, Config{PartSizeBytes: 1024}, nil, zap.NewNop())
	assert.Equal(t, int64(16<<20), s.cfg.PartSizeBytes)

	s = New(&fakeStore{}, Config{PartSizeBytes: 8 << 20}, nil, zap.NewNop())
	assert.Equal(t, int64(8<<20), s.cfg.PartSizeBytes)
}

func TestUploadSessionInitFailure(t *testing.T) {
	fs := &fakeStore{initErr: errors.New("bucket gone")}
	s := newTestSink(fs, 1024)

	_, err := s.Upload(context.Background(), "archives/a.zip", bytes.NewReader(streamOf(10)))
	require.Error(t, err)

	var uerr *Error
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, StageInit, uerr.Stage)
	// Nothing to abort when the session never opened.
	assert.Zero(t, fs.aborts)
}

func TestUploadPartFailureAbortsSession(t *testing.T) {
	fs := &fakeStore{partErrs: map[int]error{2: errors.New("connection reset")}}
	s := newTestSink(fs, 1024)

	_, err := s.Upload(context.Background(), "archives/a.zip", bytes.NewReader(streamOf(2560)))
	require.Error(t, err)

	var uerr *Error
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, StagePart, uerr.Stage)
	assert.Equal(t, 1, fs.aborts)
	assert.Empty(t, fs.completed)
}

func TestUploadFinalizeFailureAbortsSession(t *testing.T) {
	fs := &fakeStore{completeErr: errors.New("session expired")}
	s := newTestSink(fs, 1024)

	_, err := s.Upload(context.Background(), "archives/a.zip", bytes.NewReader(streamOf(100)))
	require.Error(t, err)

	var uerr *Error
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, StageFinalize, uerr.Stage)
	assert.Equal(t, 1, fs.aborts)
}

type readerThenError struct {
	r   io.Reader
	err error
}

func (r *readerThenError) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err == io.EOF {
		return n, r.err
	}
	return n, err
}

func TestUploadStreamFailureAbortsWithoutUploadError(t *testing.T) {
	fs := &fakeStore{}
	s := newTestSink(fs, 1024)

	cause := errors.New("archive writer failed")
	src := &readerThenError{r: bytes.NewReader(streamOf(1536)), err: cause}

	_, err := s.Upload(context.Background(), "archives/a.zip", src)
	require.Error(t, err)
	require.ErrorIs(t, err, cause)

	// The failure came from the producing side, not the upload.
	var uerr *Error
	assert.False(t, errors.As(err, &uerr))
	assert.Equal(t, 1, fs.aborts)
}

func TestUploadEmptyStreamFails(t *testing.T) {
	fs := &fakeStore{}
	s := newTestSink(fs, 1024)

	_, err := s.Upload(context.Background(), "archives/a.zip", bytes.NewReader(nil))
	require.Error(t, err)

	var uerr *Error
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, StageFinalize, uerr.Stage)
	assert.Equal(t, 1, fs.aborts)
}
