package feed

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"kvbind/internal/observe"
)

type changePayload struct {
	Type      string    `json:"type"`
	ObjectID  uint64    `json:"object_id"`
	KeyPath   string    `json:"key_path"`
	Old       any       `json:"old,omitempty"`
	New       any       `json:"new,omitempty"`
	Initial   bool      `json:"initial"`
	Timestamp time.Time `json:"timestamp"`
}

type objectRef struct {
	ObjectID uint64 `json:"object_id"`
}

func buildPayload(change observe.Change) (any, bool) {
	payload := changePayload{
		Type:      change.Type(),
		KeyPath:   change.KeyPath(),
		Initial:   change.Initial(),
		Timestamp: change.Timestamp(),
	}
	if object := change.Object(); object != nil {
		payload.ObjectID = object.Lifecycle().ID()
	}
	if value, ok := change.OldValue(); ok {
		payload.Old = encodeValue(value)
	}
	if value, ok := change.NewValue(); ok {
		payload.New = encodeValue(value)
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now().UTC()
	}
	return payload, true
}

// encodeValue replaces observable objects with references and anything
// encoding/json cannot handle with its printed form.
func encodeValue(value any) any {
	switch typed := value.(type) {
	case nil:
		return nil
	case observe.Object:
		return objectRef{ObjectID: typed.Lifecycle().ID()}
	case []any:
		items := make([]any, 0, len(typed))
		for _, item := range typed {
			items = append(items, encodeValue(item))
		}
		return items
	case map[string]any:
		items := make(map[string]any, len(typed))
		for key, item := range typed {
			items[key] = encodeValue(item)
		}
		return items
	}
	switch reflect.ValueOf(value).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return fmt.Sprint(value)
	}
	if _, err := json.Marshal(value); err != nil {
		return fmt.Sprint(value)
	}
	return value
}
