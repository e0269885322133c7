// Package notify tells an operator that an action is waiting for approval.
package notify

import (
	"context"

	"github.com/gen2brain/beeep"
	"github.com/rs/zerolog"
)

// Notifier delivers a short operator notification.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, title, message string) error {
	n.logger.Info().Str("title", title).Str("message", message).Msg("operator notification")
	return nil
}

// DesktopNotifier raises a desktop notification and also logs it.
type DesktopNotifier struct {
	log  *LogNotifier
	send func(title, message string, icon any) error
}

func NewDesktopNotifier(logger zerolog.Logger) *DesktopNotifier {
	return &DesktopNotifier{log: NewLogNotifier(logger), send: beeep.Notify}
}

func (n *DesktopNotifier) Notify(ctx context.Context, title, message string) error {
	_ = n.log.Notify(ctx, title, message)
	return n.send(title, message, "")
}

// New returns a DesktopNotifier when desktop is set, otherwise a LogNotifier.
func New(desktop bool, logger zerolog.Logger) Notifier {
	if desktop {
		return NewDesktopNotifier(logger)
	}
	return NewLogNotifier(logger)
}
