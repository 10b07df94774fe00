package dbcontext

import (
	"errors"
	"fmt"
)

var (
	ErrState          = errors.New("dbcontext: invalid state")
	ErrNotInitialized = fmt.Errorf("%w: instance not initialized", ErrState)
	ErrRefreshNotHeld = fmt.Errorf("%w: refresh invoked without holding the refresh lock", ErrState)
	ErrClosed         = errors.New("dbcontext: coordinator closed")
)
