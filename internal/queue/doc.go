// Package queue provides the bounded blocking queue that sits between a
// batch producer and the feeder's consumer. A full queue blocks the
// producer; an empty queue blocks the consumer.
package queue
