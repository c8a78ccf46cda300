package metrics

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestRegistryCountsAndExposition(t *testing.T) {
	registry := &Registry{}
	registry.RecordWatcherAdded()
	registry.RecordWatcherAdded()
	registry.RecordWatcherRemoved()
	registry.RecordBindingAdded()
	registry.IncChangesDelivered()
	registry.IncChangesCoalesced()
	registry.IncCallbackPanics()
	registry.IncDocumentReloads(errors.New("bad yaml"))
	registry.IncBusPublished("changes")
	registry.IncBusDropped("changes")
	registry.SetBusSubscribers("changes", 3)

	snapshot := registry.Snapshot()
	if snapshot.ActiveWatchers != 1 || snapshot.WatchersAdded != 2 {
		t.Fatalf("unexpected watcher counts %+v", snapshot)
	}
	if snapshot.ActiveBindings != 1 {
		t.Fatalf("unexpected binding count %+v", snapshot)
	}

	var output bytes.Buffer
	if err := registry.WritePrometheus(&output); err != nil {
		t.Fatalf("write metrics: %v", err)
	}
	body := output.String()
	for _, want := range []string{
		"kvbind_watchers_added_total 2",
		"kvbind_watchers_active 1",
		"kvbind_changes_coalesced_total 1",
		"kvbind_callback_panics_total 1",
		"kvbind_document_reload_failures_total 1",
		`kvbind_bus_published_total{bus="changes"} 1`,
		`kvbind_bus_dropped_total{bus="changes"} 1`,
		`kvbind_bus_subscribers{bus="changes"} 3`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics, got %q", want, body)
		}
	}
}

func TestNilRegistryIsSafe(t *testing.T) {
	var registry *Registry
	registry.RecordWatcherAdded()
	registry.IncBusPublished("x")
	if err := registry.WritePrometheus(&bytes.Buffer{}); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if registry.Snapshot() != (Snapshot{}) {
		t.Fatal("expected empty snapshot")
	}
}

func TestFormatLabelEscapes(t *testing.T) {
	if got := formatLabel(`a"b\c`); got != `"a\"b\\c"` {
		t.Fatalf("unexpected label %s", got)
	}
}
