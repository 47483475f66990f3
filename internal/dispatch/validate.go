package dispatch

import (
	"errors"
	"fmt"

	"groupcast/internal/model"
)

// Validation failures. Stable messages; callers may compare with errors.Is.
var (
	ErrTypeRequired       = errors.New("task type is required")
	ErrUnknownType        = errors.New("unknown task type")
	ErrNoAccounts         = errors.New("task requires at least one account")
	ErrNoTargets          = errors.New("task requires at least one target")
	ErrConfigRequired     = errors.New("task config is required")
	ErrIntervalTooShort   = errors.New("group posting interval must be at least 10 minutes")
	ErrCommentProbability = errors.New("comment probability must be between 0 and 1")
	ErrNegativeDelay      = errors.New("random delay must not be negative")
	ErrMaxRetriesRange    = errors.New("max retries must be between 1 and 10")
)

const (
	minPostingInterval         = 10
	defaultMaxRetries          = 3
	defaultMaxConsecutiveFails = 5
)

// TaskSpec is the caller-facing shape for creating or updating a task.
// Config is a pointer so "not provided" is distinguishable from zero.
type TaskSpec struct {
	Type       model.TaskType
	Title      string
	AccountIDs []string
	TargetIDs  []string
	Priority   int
	Config     *model.TaskConfig
}

func validateSpec(spec TaskSpec) error {
	if spec.Type == "" {
		return ErrTypeRequired
	}
	if spec.Type != model.TaskGroupPosting && spec.Type != model.TaskChannelMonitoring {
		return fmt.Errorf("%w: %q", ErrUnknownType, spec.Type)
	}
	if len(spec.AccountIDs) == 0 {
		return ErrNoAccounts
	}
	if len(spec.TargetIDs) == 0 {
		return ErrNoTargets
	}
	if spec.Config == nil {
		return ErrConfigRequired
	}
	cfg := spec.Config

	if spec.Type == model.TaskGroupPosting && cfg.IntervalMinutes < minPostingInterval {
		return ErrIntervalTooShort
	}
	if p := cfg.CommentProbability; p != nil && (*p < 0 || *p > 1) {
		return ErrCommentProbability
	}
	if cfg.RandomDelayMinutes < 0 {
		return ErrNegativeDelay
	}
	if cfg.MaxRetries != 0 && (cfg.MaxRetries < 1 || cfg.MaxRetries > 10) {
		return ErrMaxRetriesRange
	}
	for _, w := range []string{cfg.WindowStart, cfg.WindowEnd} {
		if w == "" {
			continue
		}
		if _, err := model.MinuteOfDay(w); err != nil {
			return fmt.Errorf("invalid time window: %w", err)
		}
	}
	return nil
}

// applyDefaults fills unset config fields in place.
func applyDefaults(cfg *model.TaskConfig) {
	if cfg.PrecheckPolicy == "" {
		cfg.PrecheckPolicy = model.PrecheckStrict
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = defaultMaxConsecutiveFails
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
}
