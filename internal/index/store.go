// Package index is the egress document store. Alert and Action documents
// are idempotent by id; the relational backend keeps one table per
// rolling period the way search indices roll over.
package index

import (
	"context"

	"github.com/alertpipe/alertpipe/internal/model"
)

// Store is the document interface the alert manager, composite worker
// and dispatcher write through.
type Store interface {
	// GetOpenAlert returns the open alert owning the dedup key, or nil.
	GetOpenAlert(ctx context.Context, dedupeMD5 string) (*model.Alert, error)
	// GetAlert fetches any alert by id, or nil.
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
	// UpsertAlert writes the document idempotently by id.
	UpsertAlert(ctx context.Context, alert *model.Alert) error
	// OpenAlertsByStrategy lists open alerts of one strategy, used by
	// composite expression evaluation.
	OpenAlertsByStrategy(ctx context.Context, strategyID int) ([]*model.Alert, error)

	// UpsertAction writes an action document idempotently by id.
	UpsertAction(ctx context.Context, action *model.Action) error
	// GetAction fetches an action by id, or nil.
	GetAction(ctx context.Context, id string) (*model.Action, error)
}
