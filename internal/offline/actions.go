package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/vonshlovens/fieldsync/internal/model"
	"github.com/vonshlovens/fieldsync/internal/remote"
)

// ErrUnknownAction is returned for action names with no handler
var ErrUnknownAction = errors.New("unknown offline action")

// Action names accepted by EnqueueOfflineAction
const (
	ActionCreateProject    = "projects/create"
	ActionUpdateProject    = "projects/update"
	ActionCreateInspection = "inspections/create"
	ActionUpdateInspection = "inspections/update"
	ActionDeleteInspection = "inspections/delete"
	ActionUploadPhoto      = "inspections/upload_photo"
	ActionCreatePhoto      = "inspection_photos/create"
	ActionUpdatePhoto      = "inspection_photos/update"
	ActionDeletePhoto      = "inspection_photos/delete"
	ActionCreateDefect     = "defect_detections/create"
	ActionUpdateDefect     = "defect_detections/update"
	ActionDeleteDefect     = "defect_detections/delete"
	ActionCreateHiddenWork = "hidden_works/create"
	ActionUpdateHiddenWork = "hidden_works/update"
	ActionDeleteHiddenWork = "hidden_works/delete"
	ActionSignAct          = "hidden_works/sign_act"
	ActionCreateDocument   = "documents/create"
	ActionUpdateDocument   = "documents/update"
	ActionDeleteDocument   = "documents/delete"
)

// Legacy queue names written by older app builds
var legacyActions = map[string]string{
	"CREATE_INSPECTION": ActionCreateInspection,
	"UPDATE_INSPECTION": ActionUpdateInspection,
	"UPLOAD_PHOTO":      ActionUploadPhoto,
	"SIGN_ACT":          ActionSignAct,
}

type actionFunc func(s *Service, ctx context.Context, raw map[string]any, urgent bool) (*model.Record, error)

var actions = map[string]actionFunc{
	ActionCreateProject:    createAction(model.Projects),
	ActionUpdateProject:    updateAction(model.Projects),
	ActionCreateInspection: createAction(model.Inspections),
	ActionUpdateInspection: updateAction(model.Inspections),
	ActionDeleteInspection: deleteAction(model.Inspections),
	ActionUploadPhoto:      createAction(model.Photos),
	ActionCreatePhoto:      createAction(model.Photos),
	ActionUpdatePhoto:      updateAction(model.Photos),
	ActionDeletePhoto:      deleteAction(model.Photos),
	ActionCreateDefect:     createAction(model.DefectDetections),
	ActionUpdateDefect:     updateAction(model.DefectDetections),
	ActionDeleteDefect:     deleteAction(model.DefectDetections),
	ActionCreateHiddenWork: createAction(model.HiddenWorks),
	ActionUpdateHiddenWork: updateAction(model.HiddenWorks),
	ActionDeleteHiddenWork: deleteAction(model.HiddenWorks),
	ActionSignAct:          signAct,
	ActionCreateDocument:   createAction(model.Documents),
	ActionUpdateDocument:   updateAction(model.Documents),
	ActionDeleteDocument:   deleteAction(model.Documents),
}

// EnqueueOfflineAction applies an action the app recorded while offline.
// Names may be snake_case ("hidden_works/sign_act"), camelCase
// ("hiddenWorks/signAct") or a legacy constant ("SIGN_ACT"). Urgent actions
// request an immediate sync once the write has committed.
func (s *Service) EnqueueOfflineAction(ctx context.Context, action string, payload json.RawMessage) (*model.Record, error) {
	name := normalizeAction(action)
	handler, ok := actions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	raw := map[string]any{}
	if len(bytes.TrimSpace(payload)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: payload of %s is not an object: %v", ErrInvalid, name, err)
		}
	}

	urgent := s.urgent[name]
	rec, err := handler(s, ctx, raw, urgent)
	if err != nil {
		return nil, fmt.Errorf("failed to apply %s: %w", name, err)
	}

	slog.Info("offline action recorded", "action", name, "urgent", urgent)
	if urgent && s.notifier != nil {
		s.notifier.Notify()
	}
	return rec, nil
}

func createAction(t model.EntityType) actionFunc {
	return func(s *Service, ctx context.Context, raw map[string]any, urgent bool) (*model.Record, error) {
		fields, err := s.fieldsFrom(ctx, t, raw)
		if err != nil {
			return nil, err
		}
		return s.write(ctx, t, "", fields, urgent)
	}
}

func updateAction(t model.EntityType) actionFunc {
	return func(s *Service, ctx context.Context, raw map[string]any, urgent bool) (*model.Record, error) {
		localID, err := s.target(ctx, t, raw)
		if err != nil {
			return nil, err
		}
		data := raw
		if nested, ok := raw["data"].(map[string]any); ok {
			data = nested
		}
		fields, err := s.fieldsFrom(ctx, t, data)
		if err != nil {
			return nil, err
		}
		return s.write(ctx, t, localID, fields, urgent)
	}
}

func deleteAction(t model.EntityType) actionFunc {
	return func(s *Service, ctx context.Context, raw map[string]any, urgent bool) (*model.Record, error) {
		localID, err := s.target(ctx, t, raw)
		if err != nil {
			return nil, err
		}
		rec, err := s.store.Get(ctx, t, localID)
		if err != nil {
			return nil, err
		}
		return rec, s.Delete(ctx, t, localID)
	}
}

// signAct approves a hidden-work record and stamps its completion
func signAct(s *Service, ctx context.Context, raw map[string]any, urgent bool) (*model.Record, error) {
	localID, err := s.target(ctx, model.HiddenWorks, raw)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{
		"status":         "approved",
		"completed_date": s.store.Now(),
	}
	if notes, ok := raw["notes"].(string); ok {
		fields["notes"] = notes
	}
	return s.write(ctx, model.HiddenWorks, localID, fields, urgent)
}

// target finds the row an action refers to, by local id or by server id
func (s *Service) target(ctx context.Context, t model.EntityType, raw map[string]any) (string, error) {
	for _, key := range []string{"local_id", "localId"} {
		if id, ok := raw[key].(string); ok && id != "" {
			return id, nil
		}
	}

	if v, ok := raw["id"]; ok && v != nil {
		if id, ok := v.(string); ok {
			return id, nil
		}
		serverID, err := toInt64(v)
		if err != nil {
			return "", fmt.Errorf("%w: invalid id %v", ErrInvalid, v)
		}
		rec, err := s.store.FindByServerID(ctx, t, serverID)
		if err != nil {
			return "", fmt.Errorf("failed to find %s with server id %d: %w", t, serverID, err)
		}
		return rec.LocalID, nil
	}
	return "", fmt.Errorf("%w: %s action without id or local_id", ErrInvalid, t)
}

// fieldsFrom converts an app payload into column values: keys become
// snake_case, ISO timestamps become milliseconds and server-id references
// become local ids. Keys that are not columns are ignored.
func (s *Service) fieldsFrom(ctx context.Context, t model.EntityType, raw map[string]any) (map[string]any, error) {
	sc, err := model.Lookup(t)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(raw))
	for key, v := range raw {
		name := snakeCase(key)
		switch name {
		case "id", "local_id", "server_id", "created_at", "updated_at", "data":
			continue
		}
		col, ok := sc.Column(name)
		if !ok {
			slog.Debug("ignoring payload key", "entity", t, "key", key)
			continue
		}

		switch {
		case v == nil:
			out[name] = nil

		case col.Kind == model.KindTimestamp:
			ms, err := remote.ParseTimestamp(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %v", ErrInvalid, t, name, err)
			}
			out[name] = ms

		case col.Kind == model.KindReference:
			if ref, ok := v.(string); ok {
				out[name] = ref
				continue
			}
			serverID, err := toInt64(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %v", ErrInvalid, t, name, err)
			}
			parent, err := s.store.FindByServerID(ctx, col.Ref, serverID)
			if err != nil {
				return nil, fmt.Errorf("%w: %s with server id %d", ErrMissingParent, col.Ref, serverID)
			}
			out[name] = parent.LocalID

		default:
			out[name] = v
		}
	}
	return out, nil
}

// normalizeAction maps every accepted spelling onto the canonical name
func normalizeAction(action string) string {
	if canonical, ok := legacyActions[action]; ok {
		return canonical
	}
	parts := strings.Split(action, "/")
	for i, p := range parts {
		parts[i] = snakeCase(p)
	}
	return strings.Join(parts, "/")
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Int64()
	case float64:
		return int64(x), nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}
