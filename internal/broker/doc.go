// Package broker abstracts the message broker shared by the orchestrator and
// its workers: FIFO queues for work distribution and publish/subscribe
// channels for result delivery. Redis is the production backend; Memory
// serves tests and single-process runs.
package broker
