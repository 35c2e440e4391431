package messaging

import (
	"errors"

	"rental-chat/internal/models"
)

var (
	ErrValidation = errors.New("invalid request")
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("not a chat participant")

	// ErrStatusRegression is returned when a status update would move a message backwards.
	ErrStatusRegression = models.ErrStatusRegression
)
