// Package blob uploads photo and document files under content-addressed keys.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/vonshlovens/fieldsync/internal/model"
)

// Digest describes a local file about to be uploaded
type Digest struct {
	Path        string
	SHA256      string
	Size        int64
	ContentType string
}

// DigestFile hashes a file and sniffs its content type in one read
func DigestFile(path string) (*Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	head = head[:n]

	h := sha256.New()
	h.Write(head)
	rest, err := io.Copy(h, f)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return &Digest{
		Path:        path,
		SHA256:      hex.EncodeToString(h.Sum(nil)),
		Size:        int64(n) + rest,
		ContentType: ContentType(path, head),
	}, nil
}

// ContentType picks a MIME type from the extension, falling back to sniffing
func ContentType(path string, head []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); ct != "" {
		return ct
	}
	return http.DetectContentType(head)
}

// Key is the object key of a file: <prefix><table>/<sha256><ext>
func Key(prefix string, t model.EntityType, d *Digest) string {
	return prefix + string(t) + "/" + d.SHA256 + strings.ToLower(filepath.Ext(d.Path))
}

// HashContent computes the SHA256 of content bytes
func HashContent(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}
