package notifiers

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

// Notifier delivers one notification per converged resource.
type Notifier interface {
	Notify(ctx context.Context, ev types.NotificationEvent) error
}

// MultiNotifier sends to every configured notifier and joins their errors.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that fans out to all of ns.
func NewMultiNotifier(ns ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: ns}
}

// Notify sends ev to every notifier, even when some fail.
func (m *MultiNotifier) Notify(ctx context.Context, ev types.NotificationEvent) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of configured notifiers.
func (m *MultiNotifier) Len() int {
	return len(m.notifiers)
}

// NullNotifier is a no-op notifier for testing.
type NullNotifier struct{}

func (n *NullNotifier) Notify(ctx context.Context, ev types.NotificationEvent) error {
	return nil
}
