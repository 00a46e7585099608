package blob

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/vonshlovens/fieldsync/internal/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	return path
}

func TestDigestFile(t *testing.T) {
	// Known SHA256 of "hello"
	path := writeFile(t, "a.txt", "hello")

	d, err := DigestFile(path)
	if err != nil {
		t.Fatalf("DigestFile failed: %v", err)
	}
	if d.SHA256 != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("sha256 = %q", d.SHA256)
	}
	if d.Size != 5 {
		t.Errorf("size = %d", d.Size)
	}
	if !strings.HasPrefix(d.ContentType, "text/plain") {
		t.Errorf("content type = %q", d.ContentType)
	}
}

func TestDigestFile_Large(t *testing.T) {
	content := strings.Repeat("x", 4096)
	path := writeFile(t, "big.bin", content)

	d, err := DigestFile(path)
	if err != nil {
		t.Fatalf("DigestFile failed: %v", err)
	}
	if d.SHA256 != HashContent([]byte(content)) || d.Size != 4096 {
		t.Errorf("digest = %+v", d)
	}
}

func TestDigestFile_Empty(t *testing.T) {
	d, err := DigestFile(writeFile(t, "empty", ""))
	if err != nil {
		t.Fatalf("DigestFile failed: %v", err)
	}
	// SHA256 of empty string
	if d.SHA256 != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("empty file hash = %q", d.SHA256)
	}
}

func TestDigestFile_NotFound(t *testing.T) {
	if _, err := DigestFile("/nonexistent/path/file.jpg"); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestContentType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n")
	tests := []struct {
		path string
		head []byte
		want string
	}{
		{"photo.JPG", nil, "image/jpeg"},
		{"act.pdf", nil, "application/pdf"},
		{"noext", png, "image/png"},
	}
	for _, tt := range tests {
		if got := ContentType(tt.path, tt.head); got != tt.want {
			t.Errorf("ContentType(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestKey(t *testing.T) {
	d := &Digest{Path: "/tmp/IMG_01.JPG", SHA256: "abc"}
	if got := Key("field/", model.Photos, d); got != "field/inspection_photos/abc.jpg" {
		t.Errorf("Key = %q", got)
	}
}

type fakeObjects struct {
	existing map[string]bool
	puts     map[string][]byte
}

func (f *fakeObjects) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.existing[aws.ToString(in.Key)] {
		return &s3.HeadObjectOutput{}, nil
	}
	return nil, &s3types.NotFound{}
}

func (f *fakeObjects) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.puts[aws.ToString(in.Key)] = data
	f.existing[aws.ToString(in.Key)] = true
	return &s3.PutObjectOutput{}, nil
}

func TestS3Uploader_Upload(t *testing.T) {
	objects := &fakeObjects{existing: map[string]bool{}, puts: map[string][]byte{}}
	u := &S3Uploader{client: objects, bucket: "b", prefix: "p/"}
	path := writeFile(t, "scan.pdf", "%PDF-1.4 fake")

	key, err := u.Upload(context.Background(), model.Documents, path)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if !strings.HasPrefix(key, "p/documents/") || !strings.HasSuffix(key, ".pdf") {
		t.Errorf("key = %q", key)
	}
	if string(objects.puts[key]) != "%PDF-1.4 fake" {
		t.Errorf("uploaded %q", objects.puts[key])
	}

	// Second upload of the same content is skipped.
	delete(objects.puts, key)
	again, err := u.Upload(context.Background(), model.Documents, path)
	if err != nil || again != key {
		t.Fatalf("second upload = %q, %v", again, err)
	}
	if len(objects.puts) != 0 {
		t.Error("existing object was uploaded again")
	}
}

type failingObjects struct{ fakeObjects }

func (f *failingObjects) HeadObject(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return nil, errors.New("access denied")
}

func TestS3Uploader_HeadError(t *testing.T) {
	u := &S3Uploader{client: &failingObjects{}, bucket: "b"}
	if _, err := u.Upload(context.Background(), model.Photos, writeFile(t, "a.jpg", "x")); err == nil {
		t.Error("expected head failure to surface")
	}
}
