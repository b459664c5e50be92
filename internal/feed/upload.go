package feed

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"palaver/internal/filestore"
	"palaver/internal/models"
	"palaver/internal/storage"

	"github.com/h2non/filetype"
)

// Buckets mirror the public object namespaces the browser knows about.
const (
	BucketMessageImages = "message-images"
	BucketAvatars       = "avatars"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// MetadataStore records what was uploaded and by whom.
type MetadataStore interface {
	UpsertFileMetadata(meta storage.FileMetadata) error
}

// Uploader stores attachments and resolves them to publicly fetchable
// URLs. An upload failure must abort the subsequent send; it never
// reaches the message path.
type Uploader struct {
	objects  filestore.ObjectStore
	files    MetadataStore
	baseURL  string
	maxBytes int64
}

func NewUploader(objects filestore.ObjectStore, files MetadataStore, baseURL string, maxBytes int64) *Uploader {
	return &Uploader{
		objects:  objects,
		files:    files,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		maxBytes: maxBytes,
	}
}

// Upload stores one image object under a path namespaced by the uploading
// identity with a collision-avoiding timestamp prefix, and returns the
// public URL. Only image content is accepted.
func (u *Uploader) Upload(userID, bucket, name string, r io.Reader) (string, error) {
	if bucket != BucketMessageImages && bucket != BucketAvatars {
		return "", fmt.Errorf("%w: unknown bucket %q", models.ErrUploadFailed, bucket)
	}

	head := make([]byte, 261)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("%w: %v", models.ErrUploadFailed, err)
	}
	head = head[:n]

	kind, err := filetype.Match(head)
	if err != nil || !filetype.IsImage(head) {
		return "", fmt.Errorf("%w: only image uploads are allowed", models.ErrUploadFailed)
	}

	body := io.MultiReader(bytes.NewReader(head), r)
	if u.maxBytes > 0 {
		body = &limitedReader{r: body, remaining: u.maxBytes}
	}

	objectPath := fmt.Sprintf("%s/%d-%s", userID, time.Now().UnixMilli(), sanitizeName(name))

	size, err := u.objects.Save(bucket, objectPath, body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrUploadFailed, err)
	}

	meta := storage.FileMetadata{
		ID:        bucket + "/" + objectPath,
		Bucket:    bucket,
		MimeType:  kind.MIME.Value,
		Size:      size,
		CreatedAt: time.Now().UnixMilli(),
		OwnerID:   userID,
	}
	if err := u.files.UpsertFileMetadata(meta); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrUploadFailed, err)
	}

	return u.baseURL + "/api/images/" + escapePath(meta.ID), nil
}

func sanitizeName(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	cleaned := unsafeNameChars.ReplaceAllString(base, "_")
	if cleaned == "" || cleaned == "." || cleaned == ".." {
		return "upload"
	}
	return cleaned
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// limitedReader errors instead of silently truncating.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, fmt.Errorf("upload exceeds size limit")
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, fmt.Errorf("upload exceeds size limit")
	}
	return n, err
}
