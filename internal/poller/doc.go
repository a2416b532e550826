// Package poller runs the periodic live-status cycle: it loads every link,
// fetches external status, detects OFFLINE→LIVE transitions and hands rendered
// notifications to the delivery queue.
package poller
