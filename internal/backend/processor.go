package backend

import (
	"context"
	"errors"
	"fmt"

	"inferq/internal/artifact"
	"inferq/internal/jobs"
	"inferq/internal/scheduler"
)

// Processor runs one job attempt by sending it to the backend.
type Processor struct{}

var _ scheduler.Processor[*Conn] = Processor{}

func (Processor) Process(ctx context.Context, req scheduler.Request[*Conn]) (scheduler.Result, error) {
	sr := StylizeRequest{
		JobID:    req.Job.ID,
		InputRef: req.Job.InputRef,
		Artifact: req.Job.Artifact,
		Quality:  req.Quality,
		Params:   req.Job.Params,
	}
	if req.Artifact != nil {
		if fh, ok := req.Artifact.Handle.(*artifact.FileHandle); ok {
			sr.ArtifactPath = fh.Path
			sr.ArtifactDigest = fh.Digest
		}
	}
	resp, err := req.Conn.Stylize(ctx, sr)
	if err != nil {
		var he *HTTPError
		if errors.As(err, &he) && !he.Retryable() {
			return scheduler.Result{}, jobs.Permanent(fmt.Errorf("stylize rejected: %w", err))
		}
		return scheduler.Result{}, fmt.Errorf("stylize: %w", err)
	}
	return scheduler.Result{ResultRef: resp.ResultRef, MemoryUsed: resp.MemoryUsedMB}, nil
}
