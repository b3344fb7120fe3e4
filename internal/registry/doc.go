// Package registry holds the correlation state shared between the reassembly
// engine and the retry supervisor: reassembly buffers keyed by correlation
// root and retry records keyed by unit id. One Registry is created at startup
// and handed to both components.
package registry
