// Package vad provides voice activity detection over classifier frames.
// It tracks speaking / idle state from a confidence-based energy proxy,
// raises a waiting-for-voice signal after prolonged inactivity, and decides
// when a frame justifies a full metrics recomputation.
package vad
