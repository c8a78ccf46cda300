// Package filemodel exposes a YAML or TOML file as a tree of observable
// objects. Tables become nested objects, so key paths such as
// "profile.favoriteColorHex" can be watched and bound. When a watcher is
// supplied the file is reloaded on change and the differences are written
// back inside one Coalesce scope.
package filemodel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gopkg.in/yaml.v3"

	"kvbind/internal/logging"
	"kvbind/internal/metrics"
	"kvbind/internal/model"
	"kvbind/internal/observe"
	"kvbind/internal/watcher"
)

type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrNotATable         = errors.New("document root is not a table")
)

type Options struct {
	// Format overrides detection from the file extension.
	Format  Format
	Logger  *logging.Logger
	Metrics *metrics.Registry
	// Watcher enables reloading on change.
	Watcher watcher.Watch
}

// Document is the root object of a loaded file. Its lifecycle belongs to the
// embedded *model.Object, so Change.Object() for a watcher registered on a
// Document is that embedded object, not the *Document.
type Document struct {
	*model.Object
	path    string
	format  Format
	logger  *logging.Logger
	metrics *metrics.Registry
	mutex   sync.Mutex
	handle  watcher.Handle
	closed  bool
}

// DetectFormat maps a file extension to a format.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// Open loads path and, when options.Watcher is set, starts following it.
func Open(path string, options Options) (*Document, error) {
	format := options.Format
	if format == "" {
		detected, err := DetectFormat(path)
		if err != nil {
			return nil, err
		}
		format = detected
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	registry := options.Metrics
	if registry == nil {
		registry = metrics.Default
	}

	values, err := readFile(path, format)
	if err != nil {
		return nil, err
	}
	document := &Document{
		Object:  build(values),
		path:    path,
		format:  format,
		logger:  logger.With(map[string]string{"document": path}),
		metrics: registry,
	}
	if options.Watcher != nil {
		handle, err := options.Watcher.Watch(path, func(watcher.Event) {
			if err := document.Reload(context.Background()); err != nil {
				document.logger.Warn("document reload failed", map[string]string{"error": err.Error()})
			}
		})
		if err != nil {
			return nil, fmt.Errorf("watch %s: %w", path, err)
		}
		document.handle = handle
	}
	return document, nil
}

// Parse builds an unwatched document from raw bytes.
func Parse(data []byte, format Format) (*Document, error) {
	values, err := decode(data, format)
	if err != nil {
		return nil, err
	}
	return &Document{
		Object:  build(values),
		format:  format,
		logger:  logging.Discard(),
		metrics: metrics.Default,
	}, nil
}

func (document *Document) Path() string {
	if document == nil {
		return ""
	}
	return document.path
}

func (document *Document) Format() Format {
	if document == nil {
		return ""
	}
	return document.format
}

// Reload reads the file again and applies the differences.
func (document *Document) Reload(ctx context.Context) error {
	if document == nil || document.path == "" {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := otel.Tracer("kvbind/filemodel").Start(ctx, "document.reload")
	defer span.End()
	span.SetAttributes(
		attribute.String("document.path", document.path),
		attribute.String("document.format", string(document.format)),
	)

	values, err := readFile(document.path, document.format)
	document.metrics.IncDocumentReloads(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "document decode failed")
		return err
	}
	document.Apply(ctx, values)
	document.logger.Debug("document reloaded", nil)
	return nil
}

// Apply writes values over the document inside one Coalesce scope. Nested
// maps update nested objects in place, keys missing from values are set to
// nil and new keys are added.
func (document *Document) Apply(ctx context.Context, values map[string]any) {
	if document == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	document.mutex.Lock()
	defer document.mutex.Unlock()
	if document.closed {
		return
	}
	observe.Coalesce.Run(ctx, func(ctx context.Context) {
		document.apply(ctx, document.Object, values)
	})
}

func (document *Document) apply(ctx context.Context, object *model.Object, values map[string]any) {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := values[key]
		current, err := object.Value(key)
		if err != nil {
			object.Define(key, convert(value))
			continue
		}
		if table, ok := value.(map[string]any); ok {
			if child, ok := current.(*model.Object); ok && child != nil {
				document.apply(ctx, child, table)
				continue
			}
			document.set(ctx, object, key, build(table))
			continue
		}
		if reflect.DeepEqual(current, value) {
			continue
		}
		document.set(ctx, object, key, value)
	}

	for _, key := range object.Keys() {
		if _, ok := values[key]; ok {
			continue
		}
		if current, _ := object.Value(key); current != nil {
			document.set(ctx, object, key, nil)
		}
	}
}

// set follows the file: a key whose value changed type takes the new type.
func (document *Document) set(ctx context.Context, object *model.Object, key string, value any) {
	if err := object.Replace(ctx, key, value); err != nil {
		document.logger.Warn("document value rejected", map[string]string{
			"key":   key,
			"error": err.Error(),
		})
	}
}

// Close stops following the file and destroys the document.
func (document *Document) Close() error {
	if document == nil {
		return nil
	}
	document.mutex.Lock()
	if document.closed {
		document.mutex.Unlock()
		return nil
	}
	document.closed = true
	handle := document.handle
	document.mutex.Unlock()

	var err error
	if handle != nil {
		err = handle.Close()
	}
	document.Object.Destroy()
	return err
}

func readFile(path string, format Format) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	values, err := decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return values, nil
}

func decode(data []byte, format Format) (map[string]any, error) {
	values := map[string]any{}
	switch format {
	case FormatYAML:
		if len(bytes.TrimSpace(data)) == 0 {
			return values, nil
		}
		var root any
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil, err
		}
		if root == nil {
			return values, nil
		}
		table, ok := normalize(root).(map[string]any)
		if !ok {
			return nil, ErrNotATable
		}
		return table, nil
	case FormatTOML:
		if _, err := toml.Decode(string(data), &values); err != nil {
			return nil, err
		}
		return normalize(values).(map[string]any), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// normalize turns YAML's map[any]any nodes and TOML's table arrays into
// map[string]any and []any.
func normalize(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		result := make(map[string]any, len(typed))
		for key, item := range typed {
			result[key] = normalize(item)
		}
		return result
	case map[any]any:
		result := make(map[string]any, len(typed))
		for key, item := range typed {
			result[fmt.Sprint(key)] = normalize(item)
		}
		return result
	case []map[string]any:
		result := make([]any, 0, len(typed))
		for _, item := range typed {
			result = append(result, normalize(item))
		}
		return result
	case []any:
		result := make([]any, 0, len(typed))
		for _, item := range typed {
			result = append(result, normalize(item))
		}
		return result
	default:
		return value
	}
}

func build(values map[string]any) *model.Object {
	converted := make(map[string]any, len(values))
	for key, value := range values {
		converted[key] = convert(value)
	}
	return model.New(converted)
}

func convert(value any) any {
	if table, ok := value.(map[string]any); ok {
		return build(table)
	}
	return value
}
