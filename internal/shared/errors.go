package shared

import "errors"

// ErrActorMissing occurs when a request carries no acting user.
var ErrActorMissing = errors.New("actor missing")
