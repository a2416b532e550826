// Package notifier delivers rendered live notifications through a bounded queue.
//
// Producers call Enqueue, which never blocks: a full queue drops the newest
// message. A single worker drains the queue, paces sends with a base or burst
// delay depending on depth, and retries each send with exponential backoff.
package notifier
