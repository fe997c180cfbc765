package engine

import "time"

// DefaultCheckTimeout is the max time the pre-admission checks get together.
const DefaultCheckTimeout = 2 * time.Second
