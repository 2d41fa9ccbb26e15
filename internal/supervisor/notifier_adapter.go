package supervisor

import (
	"context"
	"fmt"

	"github.com/aristath/order-supervisor/internal/notify"
)

// ReconcileNotifier adapts internal/notify's Channel to the narrow
// Notify(ctx, userID, kind, message) shape internal/reconcile depends on,
// since the two packages were built independently and never needed to
// agree on a shared signature until wired together here. Exported so
// cmd/supervisor can build a reconcile.Engine ahead of the Supervisor
// itself.
type ReconcileNotifier struct {
	Channel *notify.Channel
}

func (n *ReconcileNotifier) Notify(ctx context.Context, userID, kind, message string) error {
	if n.Channel == nil {
		return nil
	}
	outcome := n.Channel.Notify(notify.EventKind(kind), userID, map[string]string{"message": message})
	if outcome != notify.OutcomeSent {
		return fmt.Errorf("notify: %s", outcome)
	}
	return nil
}
