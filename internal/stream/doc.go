// Package stream implements the ordering and reassembly engine. Results of the
// units sharing a correlation root are buffered and published to the root's
// result channel in order, either incrementally for streaming requests or as
// one terminal batch, followed by exactly one terminal marker. Idle buffers are
// failed by a periodic expiry sweep.
package stream
