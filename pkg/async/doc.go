// Package async provides goroutine helpers for the atlas background loops.
//
// SafeGo runs a task with panic recovery and logs its failure. Every and
// Sleep give loops an interval that ends as soon as their context is
// cancelled. WorkerPool and Batch fan work out over a fixed number of
// workers and collect the errors.
package async
