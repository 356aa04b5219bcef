// Package visibility maintains the secondary listing index of
// executions. It is optimized for listing, not authoritative; the
// mutable state store owns the truth.
package visibility

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/linkflow/engine/internal/types"
)

// Store is the visibility index.
type Store interface {
	// RecordStarted upserts the open record for a run.
	RecordStarted(ctx context.Context, rec *types.VisibilityRecord) error

	// RecordClosed upserts the terminal record for a run.
	RecordClosed(ctx context.Context, rec *types.VisibilityRecord) error

	// ListOpen pages open executions by (start_time DESC, run_id DESC).
	ListOpen(ctx context.Context, namespaceID string, pageSize int, pageToken string) ([]*types.VisibilityRecord, string, error)

	// ListClosed pages closed executions by (close_time DESC, run_id DESC).
	ListClosed(ctx context.Context, namespaceID string, pageSize int, pageToken string) ([]*types.VisibilityRecord, string, error)

	// GetCurrentRun returns the most relevant run of a workflow: the
	// open run if one exists, otherwise the most recently started.
	GetCurrentRun(ctx context.Context, namespaceID, workflowID string) (*types.VisibilityRecord, error)

	// Delete removes a run's record, used by retention.
	Delete(ctx context.Context, namespaceID, runID string) error
}

// pageKey is the decoded keyset cursor: the (time, run_id) pair of the
// last row of the previous page.
type pageKey struct {
	t     time.Time
	runID string
}

func encodePageToken(t time.Time, runID string) string {
	return t.UTC().Format(time.RFC3339Nano) + "|" + runID
}

func decodePageToken(token string) (pageKey, error) {
	idx := strings.IndexByte(token, '|')
	if idx < 0 {
		return pageKey{}, fmt.Errorf("malformed page token %q", token)
	}
	t, err := time.Parse(time.RFC3339Nano, token[:idx])
	if err != nil {
		return pageKey{}, fmt.Errorf("malformed page token %q: %w", token, err)
	}
	return pageKey{t: t, runID: token[idx+1:]}, nil
}
