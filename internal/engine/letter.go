package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/runner/internal/adapter/provider"
	"github.com/xiaot623/gogo/runner/internal/domain"
	"github.com/xiaot623/gogo/runner/internal/repository"
)

const letterInstructions = "Draft a concise, polite letter from a constituent to their representative " +
	`based on the research provided. Reply with a JSON object {"subject": string, "body": string}.`

// Letter is the letter drafting job kind. It needs completed research.
type Letter struct {
	Model string
	Price float64
}

var _ Kind = (*Letter)(nil)

func (k *Letter) Kind() domain.RunKind { return domain.RunKindLetter }
func (k *Letter) Cost() float64 { return k.Price }

func (k *Letter) Prepare(ctx context.Context, jobs repository.JobStore, req domain.StartRequest) (*domain.Job, *provider.Params, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, nil, &domain.ValidationError{Field: "user_id", Reason: "required"}
	}
	job, err := resolveJob(ctx, jobs, req.UserID, req.JobID)
	if err != nil {
		return nil, nil, err
	}
	if job == nil {
		return nil, nil, &domain.ValidationError{Field: "job_id", Reason: "no active job"}
	}
	if job.ResearchStatus != domain.JobStatusCompleted || strings.TrimSpace(job.ResearchContent) == "" {
		return nil, nil, &domain.ValidationError{Field: "research", Reason: "research must be completed first"}
	}
	if req.MPName != "" {
		if job, err = jobs.Upsert(ctx, req.UserID, domain.JobPatch{JobID: job.JobID, MPName: &req.MPName}); err != nil {
			return nil, nil, fmt.Errorf("failed to save job: %w", err)
		}
	}

	params := &provider.Params{
		Model:        k.Model,
		Instructions: letterInstructions,
		Input:        letterInput(job, req.Tone),
		Text:         &provider.TextOptions{Format: provider.TextFormat{Type: "json_object"}},
		Metadata:     map[string]string{"kind": string(domain.RunKindLetter), "job_id": job.JobID},
	}
	return job, params, nil
}

func letterInput(job *domain.Job, tone string) string {
	var b strings.Builder
	if job.MPName != "" {
		fmt.Fprintf(&b, "To: %s\n", job.MPName)
	}
	if job.Constituency != "" {
		fmt.Fprintf(&b, "Constituency: %s\n", job.Constituency)
	}
	if tone != "" {
		fmt.Fprintf(&b, "Tone: %s\n", tone)
	}
	fmt.Fprintf(&b, "Topic: %s\n\nResearch:\n%s\n", job.Topic, job.ResearchContent)
	return b.String()
}

// ParseResult expects {"subject": ..., "body": ...} with both fields set.
// Markdown code fences around the object are tolerated.
func (k *Letter) ParseResult(text string) (*Result, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var out struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &out); err != nil {
		return nil, fmt.Errorf("letter output is not JSON: %w", domain.ErrResultInvalid)
	}
	out.Subject = strings.TrimSpace(out.Subject)
	out.Body = strings.TrimSpace(out.Body)
	if out.Subject == "" || out.Body == "" {
		return nil, fmt.Errorf("letter output missing subject or body: %w", domain.ErrResultInvalid)
	}
	return &Result{Subject: out.Subject, Content: out.Body}, nil
}

func (k *Letter) RunningPatch(jobID string) domain.JobPatch {
	return domain.JobPatch{JobID: jobID, LetterStatus: domain.JobStatusPtr(domain.JobStatusRunning)}
}

func (k *Letter) ResponsePatch(jobID, responseID string) domain.JobPatch {
	return domain.JobPatch{JobID: jobID, LetterResponseID: &responseID}
}

func (k *Letter) CompletedPatch(jobID string, res *Result) domain.JobPatch {
	return domain.JobPatch{
		JobID:         jobID,
		LetterStatus:  domain.JobStatusPtr(domain.JobStatusCompleted),
		LetterSubject: &res.Subject,
		LetterContent: &res.Content,
	}
}

func (k *Letter) ErrorPatch(jobID string) domain.JobPatch {
	return domain.JobPatch{JobID: jobID, LetterStatus: domain.JobStatusPtr(domain.JobStatusError)}
}
