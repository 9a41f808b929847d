// Package faults classifies provider stream faults as resumable, pollable
// or fatal by evaluating a rego policy over the fault's code and message.
package faults

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/runner/internal/adapter/provider"
	"github.com/xiaot623/gogo/runner/internal/watchdog"
)

// Phase is where in a run the fault happened.
type Phase string

const (
	PhaseStream Phase = "stream"
	PhaseResume Phase = "resume"
	PhasePoll   Phase = "poll"
)

// Decision is the recovery action for a fault.
type Decision string

const (
	DecisionResume Decision = "resume"
	DecisionPoll   Decision = "poll"
	DecisionFatal  Decision = "fatal"
)

// Fault is the policy input.
type Fault struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Phase         Phase  `json:"phase"`
	HasResponseID bool   `json:"has_response_id"`
}

// Classifier evaluates the fault policy.
type Classifier struct {
	query rego.PreparedEvalQuery
	log   *logrus.Entry
}

// NewClassifier prepares policy, which must define data.stream_faults.decision.
func NewClassifier(ctx context.Context, policy string, logger *logrus.Logger) (*Classifier, error) {
	r := rego.New(
		rego.Query("data.stream_faults.decision"),
		rego.Module("stream_faults.rego", policy),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Classifier{query: query, log: logger.WithField("component", "faults")}, nil
}

// LoadClassifier uses the policy file at path, or DefaultPolicy when path is empty.
func LoadClassifier(ctx context.Context, path string, logger *logrus.Logger) (*Classifier, error) {
	policy := DefaultPolicy
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read fault policy: %w", err)
		}
		policy = string(data)
	}
	return NewClassifier(ctx, policy, logger)
}

// Classify returns the decision for f. Evaluation problems yield DecisionFatal.
func (c *Classifier) Classify(ctx context.Context, f Fault) Decision {
	results, err := c.query.Eval(ctx, rego.EvalInput(f))
	if err != nil {
		c.log.WithError(err).Warn("fault policy evaluation failed")
		return DecisionFatal
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionFatal
	}

	s, _ := results[0].Expressions[0].Value.(string)
	switch d := Decision(s); d {
	case DecisionResume, DecisionPoll, DecisionFatal:
		return d
	default:
		c.log.WithField("decision", s).Warn("fault policy returned unknown decision")
		return DecisionFatal
	}
}

// Describe maps an error to the opaque code and message the policy matches on.
func Describe(err error) (code, message string) {
	if err == nil {
		return "", ""
	}
	message = err.Error()

	var apiErr *provider.APIError
	var streamErr *provider.StreamError
	var netErr net.Error
	switch {
	case errors.Is(err, watchdog.ErrInactivityTimeout):
		return "inactivity_timeout", message
	case errors.As(err, &apiErr):
		return apiErr.Code, apiErr.Message
	case errors.As(err, &streamErr):
		return streamErr.Code, streamErr.Message
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return "connection_reset", message
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe):
		return "eof", message
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout", message
	case errors.Is(err, context.Canceled):
		return "aborted", message
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout", message
	case errors.As(err, &netErr):
		return "connection_reset", message
	}
	return "unknown", message
}
