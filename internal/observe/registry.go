package observe

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"kvbind/internal/event"
	"kvbind/internal/logging"
	"kvbind/internal/metrics"
)

const (
	defaultFeedBufferSize = 256
	feedBusName           = "observe_changes"
)

type Options struct {
	Logger  *logging.Logger
	Metrics *metrics.Registry
	// ManualCleanup disables purging of garbage collected plain targets for
	// this registry even when the build enables it.
	ManualCleanup  bool
	FeedBufferSize int
	FeedHistory    int
}

// Registry holds every watcher and binding registered through it. All
// bookkeeping is guarded by one mutex; callbacks, transforms and writes to
// receivers always run without it.
type Registry struct {
	mutex        sync.Mutex
	nodes        map[nodeKey]*observation
	subjects     map[*Lifecycle]map[string]*observation
	participants map[any]*participant
	bindings     map[bindingKey]*entry
	nextEntryID  uint64

	automaticCleanup bool
	logger           *logging.Logger
	metrics          *metrics.Registry
	feed             *event.Bus[Change]
	panicLimiter     *rate.Limiter
}

type nodeKey struct {
	subject *Lifecycle
	path    string
}

type bindingKey struct {
	receiver *Lifecycle
	key      string
}

// participant counts the registrations that reference one lifecycle or plain
// target and owns the teardown hook installed for it.
type participant struct {
	refs    int
	release func()
}

// Stats is a point-in-time view of a registry.
type Stats struct {
	Subjects     int
	Observations int
	Watchers     int
	Bindings     int
	Participants int
}

// Default is the registry used by the package-level functions.
var Default = NewRegistry(Options{})

func NewRegistry(options Options) *Registry {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	registry := options.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	bufferSize := options.FeedBufferSize
	if bufferSize <= 0 {
		bufferSize = defaultFeedBufferSize
	}
	return &Registry{
		nodes:            make(map[nodeKey]*observation),
		subjects:         make(map[*Lifecycle]map[string]*observation),
		participants:     make(map[any]*participant),
		bindings:         make(map[bindingKey]*entry),
		automaticCleanup: AutomaticCleanup && !options.ManualCleanup,
		logger:           logger.With(map[string]string{"component": "observe"}),
		metrics:          registry,
		feed: event.NewBus[Change](context.Background(), event.BusOptions{
			Name:                 feedBusName,
			SubscriberBufferSize: bufferSize,
			HistorySize:          options.FeedHistory,
			Registry:             registry,
		}),
		panicLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Feed carries every change delivered to at least one watcher.
func (r *Registry) Feed() *event.Bus[Change] {
	if r == nil {
		return nil
	}
	return r.feed
}

func (r *Registry) Logger() *logging.Logger {
	if r == nil {
		return nil
	}
	return r.logger
}

func (r *Registry) Metrics() *metrics.Registry {
	if r == nil {
		return nil
	}
	return r.metrics
}

// Close closes the change feed. Registrations stay in place.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.feed.Close()
}

func (r *Registry) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	stats := Stats{
		Subjects:     len(r.subjects),
		Observations: len(r.nodes),
		Bindings:     len(r.bindings),
		Participants: len(r.participants),
	}
	for _, node := range r.nodes {
		for _, entry := range node.entries {
			if entry.binding == nil {
				stats.Watchers++
			}
		}
	}
	return stats
}

func registryOrDefault(r *Registry) *Registry {
	if r == nil {
		return Default
	}
	return r
}

// retainLocked adds a reference to key, installing its teardown hook with
// attach on first use. It reports false when attach refuses, which means the
// participant is already destroyed.
func (r *Registry) retainLocked(key any, attach func() (func(), bool)) bool {
	if record, ok := r.participants[key]; ok {
		record.refs++
		return true
	}
	release, ok := attach()
	if !ok {
		return false
	}
	r.participants[key] = &participant{refs: 1, release: release}
	return true
}

func (r *Registry) releaseLocked(key any) {
	record, ok := r.participants[key]
	if !ok {
		return
	}
	record.refs--
	if record.refs > 0 {
		return
	}
	delete(r.participants, key)
	if record.release != nil {
		record.release()
	}
}

// lifecycleHook purges every registration referencing lifecycle when it is
// destroyed.
func (r *Registry) lifecycleHook(lifecycle *Lifecycle) func() (func(), bool) {
	return func() (func(), bool) {
		return lifecycle.onDestroy(func() {
			r.purge(lifecycle)
		})
	}
}

// purge drops every node, link, watcher and binding that references key.
func (r *Registry) purge(key any) {
	r.mutex.Lock()
	purged := r.purgeLocked(key)
	r.mutex.Unlock()
	if purged {
		r.metrics.IncObjectsPurged()
		r.logger.Debug("purged registrations", nil)
	}
}

func (r *Registry) purgeLocked(key any) bool {
	_, tracked := r.participants[key]
	if !tracked {
		return false
	}
	for nodeKey, node := range r.nodes {
		if any(nodeKey.subject) == key {
			r.dropNodeLocked(node)
			continue
		}
		for index := len(node.entries) - 1; index >= 0; index-- {
			entry := node.entries[index]
			if entry.target == key {
				node.removeEntry(entry)
				r.retireEntryLocked(entry)
			}
		}
		for index := 1; index < len(node.links); index++ {
			if any(node.links[index].lifecycle) == key {
				node.detach(index)
				break
			}
		}
		if len(node.entries) == 0 {
			r.dropNodeLocked(node)
		}
	}
	if record, ok := r.participants[key]; ok {
		delete(r.participants, key)
		if record.release != nil {
			record.release()
		}
	}
	return true
}

// nodeLocked returns the observation for (subject, path), creating and
// wiring it on first use.
func (r *Registry) nodeLocked(subject Object, path pathSpec) (*observation, bool, error) {
	lifecycle := subject.Lifecycle()
	key := nodeKey{subject: lifecycle, path: path.name}
	if node, ok := r.nodes[key]; ok {
		return node, false, nil
	}
	if !r.retainLocked(lifecycle, r.lifecycleHook(lifecycle)) {
		return nil, false, errDestroyed("subject")
	}
	node := &observation{registry: r, key: key, path: path.segments}
	r.nodes[key] = node
	paths := r.subjects[lifecycle]
	if paths == nil {
		paths = make(map[string]*observation)
		r.subjects[lifecycle] = paths
	}
	paths[path.name] = node
	node.rewire(0, subject)
	return node, true, nil
}

func (r *Registry) dropNodeLocked(node *observation) {
	if r.nodes[node.key] != node {
		return
	}
	node.detach(0)
	for _, entry := range node.entries {
		r.retireEntryLocked(entry)
	}
	node.entries = nil
	delete(r.nodes, node.key)
	if paths := r.subjects[node.key.subject]; paths != nil {
		delete(paths, node.key.path)
		if len(paths) == 0 {
			delete(r.subjects, node.key.subject)
		}
	}
	r.releaseLocked(node.key.subject)
}

// addEntryLocked attaches entry to the observation for (subject, path).
func (r *Registry) addEntryLocked(subject Object, path pathSpec, entry *entry, attach func() (func(), bool)) (*observation, error) {
	node, created, err := r.nodeLocked(subject, path)
	if err != nil {
		return nil, err
	}
	if !r.retainLocked(entry.target, attach) {
		if created {
			r.dropNodeLocked(node)
		}
		return nil, errDestroyed("target")
	}
	r.nextEntryID++
	entry.id = r.nextEntryID
	entry.node = node.key
	node.entries = append(node.entries, entry)
	if entry.binding != nil {
		r.metrics.RecordBindingAdded()
	} else {
		r.metrics.RecordWatcherAdded()
	}
	return node, nil
}

// retireEntryLocked marks entry removed and drops its references. The caller
// detaches it from its node.
func (r *Registry) retireEntryLocked(entry *entry) {
	if entry.removed.Swap(true) {
		return
	}
	r.releaseLocked(entry.target)
	if entry.binding != nil {
		key := bindingKey{receiver: entry.binding.receiver, key: entry.binding.key}
		if r.bindings[key] == entry {
			delete(r.bindings, key)
		}
		r.metrics.RecordBindingRemoved()
		return
	}
	r.metrics.RecordWatcherRemoved()
}

// removeEntriesLocked retires entries and drops nodes left without any.
func (r *Registry) removeEntriesLocked(entries []*entry) {
	for _, entry := range entries {
		if entry.removed.Load() {
			continue
		}
		node := r.nodes[entry.node]
		if node == nil {
			r.retireEntryLocked(entry)
			continue
		}
		node.removeEntry(entry)
		r.retireEntryLocked(entry)
		if len(node.entries) == 0 {
			r.dropNodeLocked(node)
		}
	}
}

func (r *Registry) removeEntries(entries []*entry) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.removeEntriesLocked(entries)
}

func (r *Registry) removeMatching(key nodeKey, match func(*entry) bool) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	node := r.nodes[key]
	if node == nil {
		return 0
	}
	var matched []*entry
	for _, entry := range node.entries {
		if match(entry) {
			matched = append(matched, entry)
		}
	}
	r.removeEntriesLocked(matched)
	return len(matched)
}
