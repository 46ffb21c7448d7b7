package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidState = errors.New("invalid state")
	ErrNotFound     = errors.New("not found")
	ErrPersistence  = errors.New("persistence error")
)

// Distinct mark-paid refusals. Each one matches ErrInvalidState.
var (
	ErrSessionNotCompleted = fmt.Errorf("%w: session is not completed yet", ErrInvalidState)
	ErrAlreadyPaid         = fmt.Errorf("%w: session is already paid", ErrInvalidState)
	ErrFreeSession         = fmt.Errorf("%w: session is free, no payment needed", ErrInvalidState)
)
