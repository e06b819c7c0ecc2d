// Package crawler defines the crawl job model, its state machine, and the
// narrow interfaces the scheduler and orchestrator depend on.
package crawler
