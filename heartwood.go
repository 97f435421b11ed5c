package heartwood

import (
	"github.com/jward/heartwood/internal/config"
	"github.com/jward/heartwood/internal/sema"
)

// Public type aliases for internal types used in the Engine API. These are
// Go type aliases (=) — identical to the internal types at compile time, so
// no conversion is needed.

type Config = config.Config
type ErrorMsg = sema.ErrorMsg
type Pos = sema.Pos
type UpdateStats = sema.UpdateStats
