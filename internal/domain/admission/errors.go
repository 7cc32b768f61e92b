package admission

import "errors"

var ErrNotFound = errors.New("admission not found")
