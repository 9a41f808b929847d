package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/xiaot623/gogo/runner/internal/domain"
)

const jobColumns = `job_id, user_id, active, topic, mp_name, constituency, research_status, research_content, research_response_id,
	letter_status, letter_subject, letter_content, letter_response_id, updated_at`

// GetActive returns the user's most recently updated active job.
func (s *SQLiteStore) GetActive(ctx context.Context, userID string) (*domain.Job, error) {
	return scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE user_id = ? AND active = 1 ORDER BY updated_at DESC LIMIT 1`,
		userID))
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID))
}

// Upsert writes only the non-nil fields of patch.
func (s *SQLiteStore) Upsert(ctx context.Context, userID string, patch domain.JobPatch) (*domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	jobID := patch.JobID
	if jobID == "" {
		err := tx.QueryRowContext(ctx,
			`SELECT job_id FROM jobs WHERE user_id = ? AND active = 1 ORDER BY updated_at DESC LIMIT 1`,
			userID).Scan(&jobID)
		if err != nil && err != sql.ErrNoRows {
			return nil, err
		}
	}
	if jobID == "" {
		jobID = "job_" + uuid.New().String()[:8]
	}

	now := toMillis(s.now())
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (job_id, user_id, active, updated_at) VALUES (?, ?, 1, ?) ON CONFLICT(job_id) DO NOTHING`,
		jobID, userID, now); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	sets := []string{"updated_at = ?"}
	args := []interface{}{now}
	add := func(column string, value interface{}) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if patch.Topic != nil {
		add("topic", *patch.Topic)
	}
	if patch.MPName != nil {
		add("mp_name", *patch.MPName)
	}
	if patch.Constituency != nil {
		add("constituency", *patch.Constituency)
	}
	if patch.ResearchStatus != nil {
		add("research_status", string(*patch.ResearchStatus))
	}
	if patch.ResearchContent != nil {
		add("research_content", *patch.ResearchContent)
	}
	if patch.ResearchResponseID != nil {
		add("research_response_id", *patch.ResearchResponseID)
	}
	if patch.LetterStatus != nil {
		add("letter_status", string(*patch.LetterStatus))
	}
	if patch.LetterSubject != nil {
		add("letter_subject", *patch.LetterSubject)
	}
	if patch.LetterContent != nil {
		add("letter_content", *patch.LetterContent)
	}
	if patch.LetterResponseID != nil {
		add("letter_response_id", *patch.LetterResponseID)
	}
	args = append(args, jobID, userID)

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE job_id = ? AND user_id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("job %s does not belong to user %s: %w", jobID, userID, domain.ErrValidation)
	}

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var job domain.Job
	var active int
	var researchStatus, letterStatus string
	var updatedAt int64
	err := row.Scan(&job.JobID, &job.UserID, &active, &job.Topic, &job.MPName, &job.Constituency,
		&researchStatus, &job.ResearchContent, &job.ResearchResponseID,
		&letterStatus, &job.LetterSubject, &job.LetterContent, &job.LetterResponseID, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job.Active = active == 1
	job.ResearchStatus = domain.JobStatus(researchStatus)
	job.LetterStatus = domain.JobStatus(letterStatus)
	job.UpdatedAt = fromMillis(updatedAt)
	return &job, nil
}
