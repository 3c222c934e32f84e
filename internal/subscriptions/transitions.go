package subscriptions

import (
	"fmt"

	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
)

var transitions = map[enums.SubscriptionStatus][]enums.SubscriptionStatus{
	enums.SubscriptionStatusPending: {
		enums.SubscriptionStatusActive,
		enums.SubscriptionStatusTrialing,
		enums.SubscriptionStatusPastDue,
		enums.SubscriptionStatusCanceled,
	},
	enums.SubscriptionStatusTrialing: {
		enums.SubscriptionStatusActive,
		enums.SubscriptionStatusPastDue,
		enums.SubscriptionStatusPaused,
		enums.SubscriptionStatusCanceled,
	},
	enums.SubscriptionStatusActive: {
		enums.SubscriptionStatusPastDue,
		enums.SubscriptionStatusPaused,
		enums.SubscriptionStatusCanceled,
	},
	enums.SubscriptionStatusPastDue: {
		enums.SubscriptionStatusActive,
		enums.SubscriptionStatusCanceled,
	},
	enums.SubscriptionStatusPaused: {
		enums.SubscriptionStatusActive,
		enums.SubscriptionStatusCanceled,
	},
}

// CanTransition reports whether from may move to to. Staying put is always allowed.
func CanTransition(from, to enums.SubscriptionStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(op string, sub *models.Subscription, to enums.SubscriptionStatus) error {
	if CanTransition(sub.Status, to) {
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("cannot move subscription from %s to %s", sub.Status, to)).
		WithContext(op, sub.ID.String())
}
