package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/runner/internal/adapter/provider"
	"github.com/xiaot623/gogo/runner/internal/domain"
	"github.com/xiaot623/gogo/runner/internal/repository"
)

const researchInstructions = "You are a policy researcher. Research the topic with current, citable " +
	"sources and summarise the findings a constituent could raise with their representative."

// Research is the deep research job kind.
type Research struct {
	Model string
	Price float64
}

var _ Kind = (*Research)(nil)

func (k *Research) Kind() domain.RunKind { return domain.RunKindResearch }
func (k *Research) Cost() float64 { return k.Price }

func (k *Research) Prepare(ctx context.Context, jobs repository.JobStore, req domain.StartRequest) (*domain.Job, *provider.Params, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, nil, &domain.ValidationError{Field: "user_id", Reason: "required"}
	}
	job, err := resolveJob(ctx, jobs, req.UserID, req.JobID)
	if err != nil {
		return nil, nil, err
	}

	topic := strings.TrimSpace(req.Topic)
	if topic == "" && job != nil {
		topic = job.Topic
	}
	if topic == "" {
		return nil, nil, &domain.ValidationError{Field: "topic", Reason: "required"}
	}

	patch := domain.JobPatch{Topic: &topic}
	if job != nil {
		patch.JobID = job.JobID
	}
	if req.MPName != "" {
		patch.MPName = &req.MPName
	}
	if req.Constituency != "" {
		patch.Constituency = &req.Constituency
	}
	job, err = jobs.Upsert(ctx, req.UserID, patch)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to save job: %w", err)
	}

	params := &provider.Params{
		Model:        k.Model,
		Instructions: researchInstructions,
		Input:        researchInput(job),
		Tools:        []provider.Tool{{Type: "web_search_preview"}},
		Metadata:     map[string]string{"kind": string(domain.RunKindResearch), "job_id": job.JobID},
	}
	return job, params, nil
}

func researchInput(job *domain.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", job.Topic)
	if job.MPName != "" {
		fmt.Fprintf(&b, "Representative: %s\n", job.MPName)
	}
	if job.Constituency != "" {
		fmt.Fprintf(&b, "Constituency: %s\n", job.Constituency)
	}
	return b.String()
}

// ParseResult accepts any non-blank text.
func (k *Research) ParseResult(text string) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty research output: %w", domain.ErrResultInvalid)
	}
	return &Result{Content: text}, nil
}

func (k *Research) RunningPatch(jobID string) domain.JobPatch {
	return domain.JobPatch{JobID: jobID, ResearchStatus: domain.JobStatusPtr(domain.JobStatusRunning)}
}

func (k *Research) ResponsePatch(jobID, responseID string) domain.JobPatch {
	return domain.JobPatch{JobID: jobID, ResearchResponseID: &responseID}
}

func (k *Research) CompletedPatch(jobID string, res *Result) domain.JobPatch {
	return domain.JobPatch{
		JobID:           jobID,
		ResearchStatus:  domain.JobStatusPtr(domain.JobStatusCompleted),
		ResearchContent: &res.Content,
	}
}

func (k *Research) ErrorPatch(jobID string) domain.JobPatch {
	return domain.JobPatch{JobID: jobID, ResearchStatus: domain.JobStatusPtr(domain.JobStatusError)}
}
