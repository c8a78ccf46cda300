package filemodel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"kvbind/internal/logging"
	"kvbind/internal/metrics"
	"kvbind/internal/model"
	"kvbind/internal/observe"
	"kvbind/internal/watcher"
)

const userYAML = `
name: ada
profile:
  favoriteColorHex: 1122867
  theme: dark
tags: [a, b]
`

type changeLog struct {
	mutex   sync.Mutex
	changes []observe.Change
}

func (log *changeLog) record(change observe.Change) {
	log.mutex.Lock()
	defer log.mutex.Unlock()
	log.changes = append(log.changes, change)
}

func (log *changeLog) snapshot() []observe.Change {
	log.mutex.Lock()
	defer log.mutex.Unlock()
	return append([]observe.Change(nil), log.changes...)
}

func recordChange(log *changeLog, change observe.Change) {
	log.record(change)
}

func TestParseYAMLBuildsNestedObjects(t *testing.T) {
	document, err := Parse([]byte(userYAML), FormatYAML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	value, err := observe.Resolve(document, "profile.favoriteColorHex")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if value != 1122867 {
		t.Fatalf("expected 1122867, got %#v", value)
	}
	profile, ok := model.Get[*model.Object](document, "profile")
	if !ok || profile == nil {
		t.Fatalf("expected nested object")
	}
	if tags, ok := model.Get[[]any](document, "tags"); !ok || len(tags) != 2 {
		t.Fatalf("unexpected tags %#v", tags)
	}
}

func TestParseTOML(t *testing.T) {
	document, err := Parse([]byte("name = \"ada\"\n[profile]\nfavoriteColorHex = 1122867\n"), FormatTOML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	value, err := observe.Resolve(document, "profile.favoriteColorHex")
	if err != nil || value != int64(1122867) {
		t.Fatalf("expected int64 1122867, got %#v (%v)", value, err)
	}
}

func TestParseRejectsNonTableRoot(t *testing.T) {
	if _, err := Parse([]byte("- a\n- b\n"), FormatYAML); !errors.Is(err, ErrNotATable) {
		t.Fatalf("expected ErrNotATable, got %v", err)
	}
	if _, err := Parse([]byte("a: 1"), Format("ini")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	document, err := Parse([]byte("  \n"), FormatYAML)
	if err != nil || len(document.Keys()) != 0 {
		t.Fatalf("expected an empty document, got %v (%v)", document.Keys(), err)
	}
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		path string
		want Format
		ok   bool
	}{
		{path: "user.yaml", want: FormatYAML, ok: true},
		{path: "user.YML", want: FormatYAML, ok: true},
		{path: "user.json", want: FormatYAML, ok: true},
		{path: "user.toml", want: FormatTOML, ok: true},
		{path: "user.ini"},
	}
	for _, test := range tests {
		got, err := DetectFormat(test.path)
		if test.ok && (err != nil || got != test.want) {
			t.Fatalf("%s: expected %s, got %s (%v)", test.path, test.want, got, err)
		}
		if !test.ok && !errors.Is(err, ErrUnsupportedFormat) {
			t.Fatalf("%s: expected ErrUnsupportedFormat, got %v", test.path, err)
		}
	}
}

func TestApplyCoalescesDiffs(t *testing.T) {
	registry := observe.NewRegistry(observe.Options{Metrics: &metrics.Registry{}})
	defer registry.Close()
	document, err := Parse([]byte(userYAML), FormatYAML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	log := &changeLog{}
	if _, err := observe.AddTargetForKeyPaths(registry, document, []string{"profile.favoriteColorHex", "name", "profile.theme"}, log, recordChange); err != nil {
		t.Fatalf("add target: %v", err)
	}

	document.Apply(context.Background(), map[string]any{
		"name":    "ada",
		"profile": map[string]any{"favoriteColorHex": 11189196},
		"extra":   true,
	})

	changes := log.snapshot()
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	byPath := map[string]observe.Change{}
	for _, change := range changes {
		byPath[change.KeyPath()] = change
	}
	color := byPath["profile.favoriteColorHex"]
	if value, _ := color.NewValue(); value != 11189196 {
		t.Fatalf("unexpected color change %v", value)
	}
	if _, ok := byPath["profile.theme"].NewValue(); ok {
		t.Fatalf("expected removed theme to read as absent")
	}
	if extra, ok := model.Get[bool](document, "extra"); !ok || !extra {
		t.Fatalf("expected new key to be defined")
	}
}

func TestApplyReplacesScalarWithTable(t *testing.T) {
	document, err := Parse([]byte("profile: null\n"), FormatYAML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	document.Apply(context.Background(), map[string]any{"profile": map[string]any{"theme": "light"}})
	value, err := observe.Resolve(document, "profile.theme")
	if err != nil || value != "light" {
		t.Fatalf("expected light, got %v (%v)", value, err)
	}
}

func TestApplyFollowsTypeChanges(t *testing.T) {
	registry := observe.NewRegistry(observe.Options{Metrics: &metrics.Registry{}})
	defer registry.Close()
	document, err := Parse([]byte("count: 1\nprofile: dark\n"), FormatYAML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	log := &changeLog{}
	if _, err := observe.AddTarget(registry, document, "count", log, recordChange); err != nil {
		t.Fatalf("add target: %v", err)
	}

	document.Apply(context.Background(), map[string]any{
		"count":   1.5,
		"profile": map[string]any{"theme": "light"},
	})

	if count, ok := model.Get[float64](document, "count"); !ok || count != 1.5 {
		t.Fatalf("expected count 1.5, got %v", count)
	}
	theme, err := observe.Resolve(document, "profile.theme")
	if err != nil || theme != "light" {
		t.Fatalf("expected the scalar replaced by a table, got %v (%v)", theme, err)
	}
	changes := log.snapshot()
	if len(changes) != 1 {
		t.Fatalf("expected one change, got %d", len(changes))
	}
	if value, _ := changes[0].NewValue(); value != 1.5 {
		t.Fatalf("unexpected change %v", value)
	}
	if changes[0].Object() != observe.Object(document.Object) {
		t.Fatalf("expected the embedded object as subject")
	}
}

func TestOpenFollowsFileChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.yaml")
	if err := os.WriteFile(path, []byte(userYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	files, err := watcher.NewWithOptions(watcher.Options{Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	defer files.Close()

	counters := &metrics.Registry{}
	document, err := Open(path, Options{Watcher: files, Metrics: counters, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer document.Close()
	if document.Path() != path || document.Format() != FormatYAML {
		t.Fatalf("unexpected document metadata %q %q", document.Path(), document.Format())
	}

	registry := observe.NewRegistry(observe.Options{Metrics: counters})
	defer registry.Close()
	log := &changeLog{}
	if _, err := observe.AddTarget(registry, document, "profile.favoriteColorHex", log, recordChange); err != nil {
		t.Fatalf("add target: %v", err)
	}

	updated := "name: ada\nprofile:\n  favoriteColorHex: 11189196\n  theme: dark\ntags: [a, b]\n"
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(log.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for reload")
		}
		time.Sleep(10 * time.Millisecond)
	}
	change := log.snapshot()[0]
	if value, _ := change.NewValue(); value != 11189196 {
		t.Fatalf("unexpected reloaded value %v", value)
	}
	if counters.Snapshot().DocumentReloads == 0 {
		t.Fatalf("expected reloads to be counted")
	}
}

func TestReloadReportsDecodeErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.toml")
	if err := os.WriteFile(path, []byte("name = \"ada\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	document, err := Open(path, Options{Metrics: &metrics.Registry{}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer document.Close()
	if err := os.WriteFile(path, []byte("name = \n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := document.Reload(context.Background()); err == nil {
		t.Fatalf("expected decode error")
	}
	if name, _ := model.Get[string](document, "name"); name != "ada" {
		t.Fatalf("failed reload must keep values, got %q", name)
	}
}
