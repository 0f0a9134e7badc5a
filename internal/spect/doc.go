// Package spect holds the spectrogram type shared by the cache, the corpus
// and the sampler, together with the .npy codec used for cache entries.
package spect
