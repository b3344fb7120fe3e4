// Package media probes and splits the inputs of media tasks. WAVSegmenter cuts
// long recordings into silence-aligned segments and SplitText breaks long
// text-to-speech input at sentence boundaries.
package media
