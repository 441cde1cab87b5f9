// Package engine composes voice activity detection, probability estimation,
// score aggregation and smoothing into a per-session metrics engine.
//
// Frames enter through SubmitFrame. Each frame updates the activity state; a
// full recomputation runs only when the admission rules allow it (sustained
// speech past the debounce window, or the force-update interval). A watchdog
// timer raises waiting-for-voice when frames stop arriving. Results are kept
// in a Store and pushed to subscribers after the engine lock is released.
package engine
