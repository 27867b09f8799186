// Package health provides composable probes and the liveness and readiness
// handlers served on the ops listener.
//
// Probes combine with [All] (AND), [Any] (OR) and [Fixed] (static); [Named]
// labels a dependency's failure reason. [ShutdownGate] fails readiness as soon
// as draining starts.
package health
