package config

import "errors"

// ErrConfiguration marks invalid or incompatible settings. Components wrap it
// for every problem they detect at construction time.
var ErrConfiguration = errors.New("configuration error")
