// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package effects

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/atrofymovych/jaktoswim-backend-sub000/core/command"
	"github.com/atrofymovych/jaktoswim-backend-sub000/core/entity"
)

func objectArg(args []any) (map[string]any, error) {
	if len(args) == 0 {
		return nil, errors.NotValidf("missing argument")
	}
	arg, ok := args[0].(map[string]any)
	if !ok {
		return nil, errors.NotValidf("argument must be an object")
	}
	return arg, nil
}

// validateObject checks the {type, data} pair shared by the mutation
// operations and returns the serialized data blob.
func validateObject(arg map[string]any) (objType, blob string, err error) {
	objType, ok := arg["type"].(string)
	if !ok || objType == "" {
		return "", "", errors.NotValidf("type must be a non-empty string")
	}
	blob, err = dataBlob(arg)
	if err != nil {
		return "", "", errors.Trace(err)
	}
	return objType, blob, nil
}

func dataBlob(arg map[string]any) (string, error) {
	data, ok := arg["data"].(map[string]any)
	if !ok {
		return "", errors.NotValidf("data must be an object")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", errors.Annotate(err, "serializing data")
	}
	return string(raw), nil
}

// entityView is the shape handlers return to the program.
func entityView(e entity.Entity, parse bool) map[string]any {
	view := map[string]any{
		"id":   e.ID,
		"type": e.Type,
		"metadata": map[string]any{
			"tenantId": e.Metadata.TenantID,
			"userId":   e.Metadata.UserID,
			"source":   e.Metadata.Source,
		},
		"createdAt": e.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": e.UpdatedAt.Format(time.RFC3339Nano),
	}
	if parse {
		view["data"] = parseBlob(e.Data)
	} else {
		view["data"] = e.Data
	}
	if e.DeletedAt != nil {
		view["deletedAt"] = e.DeletedAt.Format(time.RFC3339Nano)
	}
	return view
}

// parseBlob deserializes a stored blob, returning nil when it does
// not parse to an object.
func parseBlob(blob string) map[string]any {
	var data map[string]any
	if err := json.Unmarshal([]byte(blob), &data); err != nil {
		return nil
	}
	return data
}

func (t *Table) addObject(ctx context.Context, args ...any) (any, error) {
	arg, err := objectArg(args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	objType, blob, err := validateObject(arg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	id, _ := arg["id"].(string)
	if id == "" {
		id = uuid.New().String()
	}
	stored, err := t.entities.Upsert(ctx, entity.Entity{
		ID:       id,
		Type:     objType,
		Data:     blob,
		Metadata: t.metadata(arg),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	t.touch(1)
	return entityView(stored, false), nil
}

func (t *Table) addObjectBulk(ctx context.Context, args ...any) (any, error) {
	arg, err := objectArg(args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	objects, ok := arg["objects"].([]any)
	if !ok {
		return nil, errors.NotValidf("objects must be an array")
	}
	entities := make([]entity.Entity, 0, len(objects))
	ids := make([]string, 0, len(objects))
	for i, o := range objects {
		obj, ok := o.(map[string]any)
		if !ok {
			return nil, errors.NotValidf("objects[%d] must be an object", i)
		}
		objType, blob, err := validateObject(obj)
		if err != nil {
			return nil, errors.Annotatef(err, "objects[%d]", i)
		}
		id, _ := obj["id"].(string)
		if id == "" {
			id = uuid.New().String()
		}
		entities = append(entities, entity.Entity{
			ID:       id,
			Type:     objType,
			Data:     blob,
			Metadata: t.metadata(obj),
		})
		ids = append(ids, id)
	}
	if err := t.entities.Insert(ctx, entities); err != nil {
		return nil, errors.Trace(err)
	}
	t.touch(len(entities))
	return map[string]any{
		"count":       len(entities),
		"insertedIds": ids,
	}, nil
}

func (t *Table) updateObject(ctx context.Context, args ...any) (any, error) {
	arg, err := objectArg(args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	id, _ := arg["id"].(string)
	if id == "" {
		return nil, errors.NotValidf("id must be a non-empty string")
	}
	blob, err := dataBlob(arg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	objType, _ := arg["type"].(string)
	stored, err := t.entities.Update(ctx, entity.Entity{
		ID:   id,
		Type: objType,
		Data: blob,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	t.touch(1)
	return entityView(stored, false), nil
}

func (t *Table) delObject(ctx context.Context, args ...any) (any, error) {
	arg, err := objectArg(args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	id, _ := arg["id"].(string)
	if id == "" {
		return nil, errors.NotValidf("id must be a non-empty string")
	}
	stored, err := t.entities.SoftDelete(ctx, id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	t.touch(1)
	return entityView(stored, true), nil
}

func (t *Table) getObjects(parse bool) Handler {
	return func(ctx context.Context, args ...any) (any, error) {
		arg := map[string]any{}
		if len(args) > 0 {
			var ok bool
			if arg, ok = args[0].(map[string]any); !ok {
				return nil, errors.NotValidf("argument must be an object")
			}
		}
		filter := entity.Filter{
			IDs:   stringSlice(arg["ids"]),
			Types: stringSlice(arg["types"]),
		}
		found, err := t.entities.Find(ctx, filter)
		if err != nil {
			return nil, errors.Trace(err)
		}

		items := make([]entity.Item, len(found))
		for i, e := range found {
			items[i] = entity.Item{Entity: e, Data: parseBlob(e.Data)}
		}
		query := entity.Query{
			DataFilter: mapArg(arg["dataFilter"]),
			Limit:      intArg(arg["limit"], getObjectsLimit),
			Skip:       intArg(arg["skip"], 0),
		}
		if sortBy := mapArg(arg["sortBy"]); len(sortBy) == 1 {
			for field, dir := range sortBy {
				direction := 1
				if d, ok := numArg(dir); ok && d < 0 {
					direction = -1
				}
				query.SortBy = &entity.Sort{Field: field, Direction: direction}
			}
		}
		selected := entity.ApplyQuery(items, query)

		views := make([]any, len(selected))
		for i, item := range selected {
			views[i] = entityView(item.Entity, parse)
		}
		return views, nil
	}
}

func (t *Table) log(ctx context.Context, args ...any) (any, error) {
	if len(args) == 0 {
		return nil, errors.NotValidf("missing message")
	}
	var lines []string
	if many, ok := args[0].([]any); ok {
		for _, m := range many {
			lines = append(lines, stringify(m))
		}
	} else {
		lines = []string{stringify(args[0])}
	}
	if err := t.commands.AppendLogs(ctx, t.scope.CommandID, lines); err != nil {
		return nil, errors.Trace(err)
	}
	return nil, nil
}

func (t *Table) disable(ctx context.Context, args ...any) (any, error) {
	reason := ""
	if len(args) > 0 {
		reason = stringify(args[0])
	}
	return nil, t.raise(command.Result{
		Kind:   command.ResultDisabled,
		Reason: reason,
	})
}

func (t *Table) setNextRunAt(ctx context.Context, args ...any) (any, error) {
	if len(args) == 0 {
		return nil, errors.NotValidf("missing instant")
	}
	at, err := parseInstant(args[0])
	if err != nil {
		return nil, errors.Trace(err)
	}
	reason := ""
	if len(args) > 1 {
		reason = stringify(args[1])
	}
	return nil, t.raise(command.Result{
		Kind:      command.ResultRescheduled,
		Reason:    reason,
		NextRunAt: at,
	})
}

// parseInstant accepts the wall-clock encodings programs reach for:
// RFC3339 strings, epoch milliseconds, or a host time value.
func parseInstant(v any) (time.Time, error) {
	switch at := v.(type) {
	case time.Time:
		return at.UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, errors.NotValidf("instant %q", at)
		}
		return parsed.UTC(), nil
	default:
		if millis, ok := numArg(v); ok {
			if millis <= 0 {
				return time.Time{}, errors.NotValidf("instant %v", v)
			}
			return time.UnixMilli(int64(millis)).UTC(), nil
		}
	}
	return time.Time{}, errors.NotValidf("instant of type %T", v)
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func mapArg(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func numArg(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func intArg(v any, fallback int) int {
	if n, ok := numArg(v); ok {
		return int(n)
	}
	return fallback
}
