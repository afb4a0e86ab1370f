package main

import (
	"errors"

	"github.com/lowaak/smart-trainer/trainer-link/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-link/internal/link"
)

// formatUserError turns connection failures into the message a rider should see
func formatUserError(err error) string {
	var linkErr *link.Error
	if errors.As(err, &linkErr) {
		return linkErr.UserMessage()
	}
	if errors.Is(err, bt.ErrAdapterUnavailable) {
		return link.Classify(link.OpConnect, err).UserMessage()
	}
	return err.Error()
}
