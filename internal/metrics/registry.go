// Package metrics provides centralized Prometheus metrics for ByteHot,
// organized by category (store, retry, watch) under a single
// namespace so dashboards can query "bytehot_<category>_<name>".
package metrics

import "sync"

// Registry is the central holder of all Prometheus metrics, lazily
// initializing each category on first access.
type Registry struct {
	namespace string

	store *StoreMetrics
	retry *RetryMetrics
	watch *WatchMetrics

	storeOnce sync.Once
	retryOnce sync.Once
	watchOnce sync.Once
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the global singleton Registry.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry("bytehot")
	})
	return defaultRegistry
}

// NewRegistry creates a registry under the given namespace. Tests that need
// isolated metric series (to avoid "duplicate registration" panics across
// table-driven subtests) should construct their own instance rather than use
// DefaultRegistry.
func NewRegistry(namespace string) *Registry {
	return &Registry{namespace: namespace}
}

// Store returns the event-store metrics, initializing them on first call.
func (r *Registry) Store() *StoreMetrics {
	r.storeOnce.Do(func() {
		r.store = newStoreMetrics(r.namespace)
	})
	return r.store
}

// Retry returns the retry-loop metrics, initializing them on first call.
func (r *Registry) Retry() *RetryMetrics {
	r.retryOnce.Do(func() {
		r.retry = newRetryMetrics(r.namespace)
	})
	return r.retry
}

// Watch returns the file-watch metrics, initializing them on first call.
func (r *Registry) Watch() *WatchMetrics {
	r.watchOnce.Do(func() {
		r.watch = newWatchMetrics(r.namespace)
	})
	return r.watch
}
