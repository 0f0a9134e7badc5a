// Package cache memoizes expensive spectrogram extraction to a backing
// directory of .npy files. How an entry is served after the first
// computation is selected per call with a Mode.
package cache
