package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/vonshlovens/fieldsync/internal/blob"
	"github.com/vonshlovens/fieldsync/internal/model"
	"github.com/vonshlovens/fieldsync/internal/store"
	"github.com/vonshlovens/fieldsync/internal/watcher"
)

// ErrUnsupportedFile is returned for files that cannot become the requested record
var ErrUnsupportedFile = errors.New("unsupported file")

// DefaultDocumentType is used for documents imported from the inbox
const DefaultDocumentType = "other"

// ImportFile turns a local file into a photo of an inspection or a document
// of a project. Importing the same path again returns the existing row.
func (s *Service) ImportFile(ctx context.Context, t model.EntityType, parentLocalID, path string) (*model.Record, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.Query(ctx, t, store.Filter{Where: map[string]any{"local_uri": abs}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing[0], nil
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", abs, err)
	}
	d, err := blob.DigestFile(abs)
	if err != nil {
		return nil, err
	}

	var fields map[string]any
	switch t {
	case model.Photos:
		if !strings.HasPrefix(d.ContentType, "image/") {
			return nil, fmt.Errorf("%w: %s is %s, not an image", ErrUnsupportedFile, abs, d.ContentType)
		}
		fields = map[string]any{
			"inspection_id": parentLocalID,
			"local_uri":     abs,
			"taken_at":      info.ModTime().UnixMilli(),
			"latitude":      0.0,
			"longitude":     0.0,
			"has_defects":   false,
			"analyzed":      false,
		}

	case model.Documents:
		name := filepath.Base(abs)
		fields = map[string]any{
			"project_id":    parentLocalID,
			"title":         strings.TrimSuffix(name, filepath.Ext(name)),
			"document_type": DefaultDocumentType,
			"local_uri":     abs,
			"file_size":     d.Size,
			"mime_type":     d.ContentType,
		}

	default:
		return nil, fmt.Errorf("%w: %s rows have no file", ErrUnsupportedFile, t)
	}

	rec, err := s.write(ctx, t, "", fields, false)
	if err != nil {
		return nil, err
	}
	slog.Info("imported file", "entity", t, "local_id", rec.LocalID, "path", abs, "size", d.Size)
	return rec, nil
}

// ForgetFile deletes the row created for a file that was removed before it
// was uploaded. Rows whose file already reached blob storage are kept.
func (s *Service) ForgetFile(ctx context.Context, t model.EntityType, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	rows, err := s.store.Query(ctx, t, store.Filter{Where: map[string]any{"local_uri": abs}, Limit: 1})
	if err != nil || len(rows) == 0 {
		return err
	}
	if key, _ := rows[0].Fields["file_path"].(string); key != "" {
		return nil
	}
	return s.Delete(ctx, t, rows[0].LocalID)
}

// ConsumeInbox imports files reported by the watcher until ctx is done or
// the watcher stops
func (s *Service) ConsumeInbox(ctx context.Context, w *watcher.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			if err := s.handleInboxEvent(ctx, w, ev); err != nil {
				slog.Warn("failed to process inbox file", "path", ev.Path, "op", ev.Op, "error", err)
			}
		}
	}
}

func (s *Service) handleInboxEvent(ctx context.Context, w *watcher.Watcher, ev watcher.Event) error {
	target, ok := watcher.Route(ev.Path)
	if !ok {
		slog.Debug("inbox file has no route", "path", ev.Path)
		return nil
	}

	switch ev.Op {
	case watcher.OpArrived:
		_, err := s.ImportFile(ctx, target.Type, target.ParentLocalID, w.Abs(ev.Path))
		return err
	case watcher.OpRemoved:
		return s.ForgetFile(ctx, target.Type, w.Abs(ev.Path))
	}
	return nil
}
