package provider

import (
	"context"
	"encoding/json"

	"github.com/drzln/curupira/internal/storage"

	"github.com/tidwall/gjson"
)

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

// fieldString reads a top level field of a stored value, whichever concrete
// type the backend decoded it into.
func fieldString(data any, field string) string {
	return lookup(data, field).String()
}

func fieldInt(data any, field string) int64 {
	return lookup(data, field).Int()
}

func lookup(data any, field string) gjson.Result {
	if m, ok := data.(map[string]any); ok {
		raw, err := json.Marshal(m[field])
		if err != nil {
			return gjson.Result{}
		}
		return gjson.ParseBytes(raw)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(raw, field)
}

func clearStore(ctx context.Context, store *storage.Store) (map[string]int, error) {
	n, err := store.Size(ctx)
	if err != nil {
		return nil, err
	}
	if err := store.Clear(ctx); err != nil {
		return nil, err
	}
	return map[string]int{"cleared": n}, nil
}
