package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"kiln/api/fsutil"
	"kiln/api/model"
)

// Swapper exchanges the deployed slot with slot once a deployment has
// succeeded.
type Swapper interface {
	Swap(ctx context.Context, sf *model.StatusFile, slot string) error
}

type SwapRequest struct {
	DeploymentID string    `json:"deploymentId"`
	Slot         string    `json:"slot"`
	SiteName     string    `json:"siteName,omitempty"`
	RequestedAt  time.Time `json:"requestedAt"`
}

// FileSwapper hands the swap to the hosting platform by writing a request
// file named after the deployment into Dir.
type FileSwapper struct {
	Dir string
	Now func() time.Time
}

func (s *FileSwapper) Swap(_ context.Context, sf *model.StatusFile, slot string) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	data, err := json.MarshalIndent(SwapRequest{
		DeploymentID: sf.ID,
		Slot:         slot,
		SiteName:     sf.SiteName,
		RequestedAt:  now().UTC(),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(s.Dir, sf.ID), data, 0o644); err != nil {
		return fmt.Errorf("write swap request: %w", err)
	}
	return nil
}
