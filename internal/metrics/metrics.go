package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

type Registry struct {
	watchersAdded     atomic.Int64
	watchersRemoved   atomic.Int64
	bindingsAdded     atomic.Int64
	bindingsRemoved   atomic.Int64
	changesDelivered  atomic.Int64
	changesCoalesced  atomic.Int64
	callbackPanics    atomic.Int64
	bindingFailures   atomic.Int64
	objectsPurged     atomic.Int64
	activeWatchers    atomic.Int64
	activeBindings    atomic.Int64
	busses            sync.Map
	documentReloads   atomic.Int64
	documentFailures  atomic.Int64
}

type busStats struct {
	published   atomic.Int64
	dropped     atomic.Int64
	subscribers atomic.Int64
}

var Default = &Registry{}

func (r *Registry) RecordWatcherAdded() {
	if r == nil {
		return
	}
	r.watchersAdded.Add(1)
	r.activeWatchers.Add(1)
}

func (r *Registry) RecordWatcherRemoved() {
	if r == nil {
		return
	}
	r.watchersRemoved.Add(1)
	r.activeWatchers.Add(-1)
}

func (r *Registry) RecordBindingAdded() {
	if r == nil {
		return
	}
	r.bindingsAdded.Add(1)
	r.activeBindings.Add(1)
}

func (r *Registry) RecordBindingRemoved() {
	if r == nil {
		return
	}
	r.bindingsRemoved.Add(1)
	r.activeBindings.Add(-1)
}

func (r *Registry) IncChangesDelivered() {
	if r == nil {
		return
	}
	r.changesDelivered.Add(1)
}

func (r *Registry) IncChangesCoalesced() {
	if r == nil {
		return
	}
	r.changesCoalesced.Add(1)
}

func (r *Registry) IncCallbackPanics() {
	if r == nil {
		return
	}
	r.callbackPanics.Add(1)
}

func (r *Registry) IncBindingFailures() {
	if r == nil {
		return
	}
	r.bindingFailures.Add(1)
}

func (r *Registry) IncObjectsPurged() {
	if r == nil {
		return
	}
	r.objectsPurged.Add(1)
}

func (r *Registry) IncDocumentReloads(err error) {
	if r == nil {
		return
	}
	r.documentReloads.Add(1)
	if err != nil {
		r.documentFailures.Add(1)
	}
}

func (r *Registry) IncBusPublished(bus string) {
	if r == nil {
		return
	}
	r.busStats(bus).published.Add(1)
}

func (r *Registry) IncBusDropped(bus string) {
	if r == nil {
		return
	}
	r.busStats(bus).dropped.Add(1)
}

func (r *Registry) SetBusSubscribers(bus string, count int) {
	if r == nil {
		return
	}
	r.busStats(bus).subscribers.Store(int64(count))
}

// Snapshot is a point-in-time copy of the core counters.
type Snapshot struct {
	WatchersAdded    int64
	WatchersRemoved  int64
	BindingsAdded    int64
	BindingsRemoved  int64
	ChangesDelivered int64
	ChangesCoalesced int64
	CallbackPanics   int64
	BindingFailures  int64
	ObjectsPurged    int64
	ActiveWatchers   int64
	ActiveBindings   int64
	DocumentReloads  int64
	DocumentFailures int64
}

func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		WatchersAdded:    r.watchersAdded.Load(),
		WatchersRemoved:  r.watchersRemoved.Load(),
		BindingsAdded:    r.bindingsAdded.Load(),
		BindingsRemoved:  r.bindingsRemoved.Load(),
		ChangesDelivered: r.changesDelivered.Load(),
		ChangesCoalesced: r.changesCoalesced.Load(),
		CallbackPanics:   r.callbackPanics.Load(),
		BindingFailures:  r.bindingFailures.Load(),
		ObjectsPurged:    r.objectsPurged.Load(),
		ActiveWatchers:   r.activeWatchers.Load(),
		ActiveBindings:   r.activeBindings.Load(),
		DocumentReloads:  r.documentReloads.Load(),
		DocumentFailures: r.documentFailures.Load(),
	}
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "kvbind_watchers_added_total", "Watchers registered", r.watchersAdded.Load())
	writeCounter(writer, "kvbind_watchers_removed_total", "Watchers removed", r.watchersRemoved.Load())
	writeCounter(writer, "kvbind_bindings_added_total", "Bindings registered", r.bindingsAdded.Load())
	writeCounter(writer, "kvbind_bindings_removed_total", "Bindings removed", r.bindingsRemoved.Load())
	writeCounter(writer, "kvbind_changes_delivered_total", "Change events delivered to watchers", r.changesDelivered.Load())
	writeCounter(writer, "kvbind_changes_coalesced_total", "Change events merged into an open scope", r.changesCoalesced.Load())
	writeCounter(writer, "kvbind_callback_panics_total", "Watcher callbacks that panicked", r.callbackPanics.Load())
	writeCounter(writer, "kvbind_binding_failures_total", "Bound value writes that failed", r.bindingFailures.Load())
	writeCounter(writer, "kvbind_objects_purged_total", "Destroyed objects purged from the registry", r.objectsPurged.Load())
	writeCounter(writer, "kvbind_document_reloads_total", "Document reloads", r.documentReloads.Load())
	writeCounter(writer, "kvbind_document_reload_failures_total", "Document reloads that failed", r.documentFailures.Load())
	writeGauge(writer, "kvbind_watchers_active", "Active watchers", r.activeWatchers.Load())
	writeGauge(writer, "kvbind_bindings_active", "Active bindings", r.activeBindings.Load())

	names := r.busNames()
	sort.Strings(names)
	if len(names) == 0 {
		return nil
	}

	writeHelp(writer, "kvbind_bus_published_total", "Events published on a bus")
	fmt.Fprintln(writer, "# TYPE kvbind_bus_published_total counter")
	for _, name := range names {
		fmt.Fprintf(writer, "kvbind_bus_published_total{bus=%s} %d\n", formatLabel(name), r.busStats(name).published.Load())
	}
	writeHelp(writer, "kvbind_bus_dropped_total", "Events dropped for slow subscribers")
	fmt.Fprintln(writer, "# TYPE kvbind_bus_dropped_total counter")
	for _, name := range names {
		fmt.Fprintf(writer, "kvbind_bus_dropped_total{bus=%s} %d\n", formatLabel(name), r.busStats(name).dropped.Load())
	}
	writeHelp(writer, "kvbind_bus_subscribers", "Current bus subscribers")
	fmt.Fprintln(writer, "# TYPE kvbind_bus_subscribers gauge")
	for _, name := range names {
		fmt.Fprintf(writer, "kvbind_bus_subscribers{bus=%s} %d\n", formatLabel(name), r.busStats(name).subscribers.Load())
	}
	return nil
}

func (r *Registry) busStats(name string) *busStats {
	if strings.TrimSpace(name) == "" {
		name = "unknown"
	}
	value, _ := r.busses.LoadOrStore(name, &busStats{})
	return value.(*busStats)
}

func (r *Registry) busNames() []string {
	var names []string
	r.busses.Range(func(key, value any) bool {
		if name, ok := key.(string); ok {
			names = append(names, name)
		}
		return true
	})
	return names
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func writeGauge(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s gauge\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
