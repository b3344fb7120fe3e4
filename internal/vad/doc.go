// Package vad provides energy based voice activity detection. The media
// segmenter uses it to find silence runs where long recordings can be cut.
package vad
