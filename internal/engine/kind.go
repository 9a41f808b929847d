package engine

import (
	"context"
	"fmt"

	"github.com/xiaot623/gogo/runner/internal/adapter/provider"
	"github.com/xiaot623/gogo/runner/internal/domain"
	"github.com/xiaot623/gogo/runner/internal/repository"
)

// Result is the validated output of a completed generation.
type Result struct {
	Subject string
	Content string
}

// Kind supplies what differs between job kinds: price, request
// construction, result validation and the job fields the kind owns.
type Kind interface {
	Kind() domain.RunKind
	Cost() float64
	// Prepare validates req against the job store and builds the provider
	// request. It returns the job the run drives, creating one if needed.
	Prepare(ctx context.Context, jobs repository.JobStore, req domain.StartRequest) (*domain.Job, *provider.Params, error)
	ParseResult(text string) (*Result, error)
	RunningPatch(jobID string) domain.JobPatch
	ResponsePatch(jobID, responseID string) domain.JobPatch
	CompletedPatch(jobID string, res *Result) domain.JobPatch
	ErrorPatch(jobID string) domain.JobPatch
}

// resolveJob returns the requested job, or the user's active job when
// jobID is empty. A missing job or one belonging to another user is a
// validation error.
func resolveJob(ctx context.Context, jobs repository.JobStore, userID, jobID string) (*domain.Job, error) {
	if jobID == "" {
		return jobs.GetActive(ctx, userID)
	}
	job, err := jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if job == nil || job.UserID != userID {
		return nil, &domain.ValidationError{Field: "job_id", Reason: "job not found"}
	}
	return job, nil
}

// writeJob re-reads the job immediately before writing so only the fields
// in patch are changed on the latest version.
func writeJob(ctx context.Context, jobs repository.JobStore, userID string, patch domain.JobPatch) error {
	job, err := jobs.GetJob(ctx, patch.JobID)
	if err != nil {
		return fmt.Errorf("failed to re-read job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job %s: %w", patch.JobID, domain.ErrRunNotFound)
	}
	if _, err := jobs.Upsert(ctx, userID, patch); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}
