// Package dispatcher turns validated requests into dispatchable units. Long
// recordings and long texts are split into ordered children that share the
// request id as their parent; everything else passes through as one unit.
package dispatcher
