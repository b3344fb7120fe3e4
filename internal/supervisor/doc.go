// Package supervisor tracks every unit handed to the worker pool and
// redistributes units whose deadline elapses without a response. Once the
// attempt bound is reached the unit's correlation root is failed.
package supervisor
