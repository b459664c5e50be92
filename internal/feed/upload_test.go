package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"palaver/internal/models"
	"palaver/internal/storage"
)

// pngHeader is enough for image sniffing to recognize a PNG.
var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

type fakeObjectStore struct {
	objects map[string][]byte
	saveErr error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (s *fakeObjectStore) Save(bucket, path string, r io.Reader) (int64, error) {
	if s.saveErr != nil {
		return 0, s.saveErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	s.objects[bucket+"/"+path] = data
	return int64(len(data)), nil
}

func (s *fakeObjectStore) Get(bucket, path string) (io.ReadCloser, error) {
	data, ok := s.objects[bucket+"/"+path]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", bucket, path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fakeMetadataStore struct {
	metas []storage.FileMetadata
	err   error
}

func (s *fakeMetadataStore) UpsertFileMetadata(meta storage.FileMetadata) error {
	if s.err != nil {
		return s.err
	}
	s.metas = append(s.metas, meta)
	return nil
}

func pngBody(extra int) io.Reader {
	return io.MultiReader(bytes.NewReader(pngHeader), strings.NewReader(strings.Repeat("x", extra)))
}

func TestUpload(t *testing.T) {
	objects := newFakeObjectStore()
	metas := &fakeMetadataStore{}
	uploader := NewUploader(objects, metas, "https://chat.example.com/", 1<<20)

	url, err := uploader.Upload("u1", BucketMessageImages, "My Pic.png", pngBody(512))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if !strings.HasPrefix(url, "https://chat.example.com/api/images/"+BucketMessageImages+"/u1/") {
		t.Errorf("unexpected public URL %q", url)
	}
	if strings.Contains(url, " ") {
		t.Errorf("unescaped space in URL %q", url)
	}

	if len(metas.metas) != 1 {
		t.Fatalf("expected 1 metadata record, got %d", len(metas.metas))
	}
	meta := metas.metas[0]
	if meta.OwnerID != "u1" || meta.Bucket != BucketMessageImages {
		t.Errorf("unexpected metadata %+v", meta)
	}
	if meta.MimeType != "image/png" {
		t.Errorf("expected image/png, got %q", meta.MimeType)
	}
	if meta.Size != int64(len(pngHeader)+512) {
		t.Errorf("expected size %d, got %d", len(pngHeader)+512, meta.Size)
	}
	if !strings.Contains(meta.ID, "My_Pic.png") {
		t.Errorf("original name not preserved in object path: %q", meta.ID)
	}

	if _, ok := objects.objects[meta.ID]; !ok {
		t.Errorf("object body not stored under %q", meta.ID)
	}
}

func TestUpload_RejectsNonImage(t *testing.T) {
	uploader := NewUploader(newFakeObjectStore(), &fakeMetadataStore{}, "", 1<<20)

	for name, body := range map[string]io.Reader{
		"plain text": strings.NewReader("just some text pretending to be a picture"),
		"empty":      strings.NewReader(""),
		"pdf":        strings.NewReader("%PDF-1.4 not an image"),
	} {
		if _, err := uploader.Upload("u1", BucketMessageImages, "file.png", body); !errors.Is(err, models.ErrUploadFailed) {
			t.Errorf("%s: expected ErrUploadFailed, got %v", name, err)
		}
	}
}

func TestUpload_RejectsUnknownBucket(t *testing.T) {
	uploader := NewUploader(newFakeObjectStore(), &fakeMetadataStore{}, "", 1<<20)
	_, err := uploader.Upload("u1", "secrets", "file.png", pngBody(16))
	if !errors.Is(err, models.ErrUploadFailed) {
		t.Errorf("expected ErrUploadFailed, got %v", err)
	}
}

func TestUpload_SizeLimit(t *testing.T) {
	objects := newFakeObjectStore()
	uploader := NewUploader(objects, &fakeMetadataStore{}, "", 64)

	if _, err := uploader.Upload("u1", BucketAvatars, "small.png", pngBody(16)); err != nil {
		t.Errorf("upload under the limit failed: %v", err)
	}
	if _, err := uploader.Upload("u1", BucketAvatars, "big.png", pngBody(1024)); !errors.Is(err, models.ErrUploadFailed) {
		t.Errorf("expected ErrUploadFailed over the limit, got %v", err)
	}
}

func TestUpload_StoreFailureAbortsWithoutMetadata(t *testing.T) {
	objects := newFakeObjectStore()
	objects.saveErr = fmt.Errorf("disk full")
	metas := &fakeMetadataStore{}
	uploader := NewUploader(objects, metas, "", 1<<20)

	_, err := uploader.Upload("u1", BucketMessageImages, "pic.png", pngBody(16))
	if !errors.Is(err, models.ErrUploadFailed) {
		t.Errorf("expected ErrUploadFailed, got %v", err)
	}
	if len(metas.metas) != 0 {
		t.Error("metadata recorded for a failed upload")
	}
}

// The upload path and the message path are separate: a failed upload
// leaves nothing behind for a send to pick up, and the caller must not
// send at all.
func TestUploadFailure_ProducesNoMessage(t *testing.T) {
	store := &fakeStore{}
	f := newTestFeed(t, store, nil)
	uploader := NewUploader(newFakeObjectStore(), &fakeMetadataStore{}, "", 1<<20)

	url, err := uploader.Upload("u1", BucketMessageImages, "pic.png", strings.NewReader("not an image"))
	if err == nil {
		t.Fatal("expected upload to fail")
	}
	if url != "" {
		t.Errorf("failed upload returned a URL %q", url)
	}

	history, err := f.History(context.Background())
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("failed upload produced a message: %+v", history)
	}
	if store.inserts != 0 {
		t.Errorf("store saw %d inserts", store.inserts)
	}
}
