// Package workflow provides a generic asynchronous task orchestrator with
// admission control, bounded retries, per-task timeouts, cooperative
// cancellation, and a monitor loop that force-fails stuck tasks and evicts
// old terminal state from the in-memory index.
package workflow
