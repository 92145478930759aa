package platform

// MeteredNetworkFunc reports whether the current network connection should
// be treated as metered. The standard library has no portable way to query
// this, so the default implementation always reports false (unmetered) and
// callers that run on a platform with real connectivity APIs (NetworkManager
// over D-Bus on Linux, NWPathMonitor on Darwin) inject a replacement.
type MeteredNetworkFunc func() bool

// IsMeteredNetwork is the package-level hook used by internal/engine. Tests
// and platform-specific main packages may reassign it.
var IsMeteredNetwork MeteredNetworkFunc = func() bool { return false }
