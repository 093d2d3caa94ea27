package rxengine

import (
	"errors"
	"fmt"

	"firestige.xyz/toe/internal/core"
)

var (
	errMissingTable = fmt.Errorf("%w: all tables are required", core.ErrConfigInvalid)
	errStreamBroken = errors.New("toe: stage stream out of step")
)
