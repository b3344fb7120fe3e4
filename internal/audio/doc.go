// Package audio parses, encodes and concatenates WAV audio. MergeWAV joins the
// ordered speech fragments produced by split text-to-speech requests into one file.
package audio
