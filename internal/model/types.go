package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PoolStatus is the operational state of an account inside the sending pool.
type PoolStatus string

const (
	PoolStatusOK       PoolStatus = "ok"
	PoolStatusCooldown PoolStatus = "cooldown"
	PoolStatusError    PoolStatus = "error"
	PoolStatusBanned   PoolStatus = "banned"
)

// severity defines a total order among pool statuses so automatic transitions
// never make an account look healthier than it is. banned is terminal: only a
// manual reset clears it.
var severity = map[PoolStatus]int{
	PoolStatusOK:       0,
	PoolStatusCooldown: 1,
	PoolStatusError:    2,
	PoolStatusBanned:   3,
}

// Severity returns the restrictiveness rank of a status (unknown ranks lowest).
func (s PoolStatus) Severity() int { return severity[s] }

// Escalate returns the status an automatic transition may move to.
// Automatic transitions only raise severity; downgrades require a manual reset.
func Escalate(cur, next PoolStatus) PoolStatus {
	if next.Severity() > cur.Severity() {
		return next
	}
	return cur
}

// Account is one third-party messaging identity in the pool.
type Account struct {
	ID          string     `json:"id" db:"id"`
	Phone       string     `json:"phone" db:"phone"`
	Username    string     `json:"username,omitempty" db:"username"`
	PoolStatus  PoolStatus `json:"pool_status" db:"pool_status"`
	HealthScore int        `json:"health_score" db:"health_score"`
	LastError   string     `json:"last_error,omitempty" db:"last_error"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// TargetKind distinguishes post destinations from monitored channels.
type TargetKind string

const (
	TargetGroup   TargetKind = "group"
	TargetChannel TargetKind = "channel"
)

// Target is a destination group or channel.
//
// PlatformID is the remote platform identity (numeric id or @username);
// InviteLink, when known, lets auto-join work for private targets.
type Target struct {
	ID         string     `json:"id" db:"id"`
	Kind       TargetKind `json:"kind" db:"kind"`
	Title      string     `json:"title" db:"title"`
	PlatformID string     `json:"platform_id" db:"platform_id"`
	InviteLink string     `json:"invite_link,omitempty" db:"invite_link"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// Template is reusable message content. Placeholders like {target_title}
// are substituted at dispatch time.
type Template struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Text      string    `json:"text" db:"text"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// RateRecord marks one successful send attempt by an account.
// Append-only; pruned by age.
type RateRecord struct {
	ID        int64     `json:"id" db:"id"`
	AccountID string    `json:"account_id" db:"account_id"`
	SentAt    time.Time `json:"sent_at" db:"sent_at"`
}

// FloodWaitEntry blocks an account from sending until WaitUntil.
// At most one per account.
type FloodWaitEntry struct {
	AccountID string    `json:"account_id" db:"account_id"`
	WaitUntil time.Time `json:"wait_until" db:"wait_until"`
}

type TaskType string

const (
	TaskGroupPosting      TaskType = "group_posting"
	TaskChannelMonitoring TaskType = "channel_monitoring"
)

type TaskStatus string

const (
	TaskStopped TaskStatus = "stopped"
	TaskRunning TaskStatus = "running"
)

// PrecheckPolicy decides how blocked (account,target) pairs affect task start.
type PrecheckPolicy string

const (
	// PrecheckStrict aborts the start if any pair is blocked.
	PrecheckStrict PrecheckPolicy = "strict"
	// PrecheckPartial starts as long as at least one pair is ready.
	PrecheckPartial PrecheckPolicy = "partial"
)

// DispatchState is the persisted rotation cursor of a running task.
//
// Cursors are indices modulo the current list lengths; they are re-normalized
// on every read since account/target lists may change between ticks.
type DispatchState struct {
	TargetCursor        int       `json:"target_cursor"`
	AccountCursor       int       `json:"account_cursor"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// TaskConfig carries per-task dispatch tuning.
type TaskConfig struct {
	// IntervalMinutes applies only to group_posting. Minimum 10.
	IntervalMinutes int `json:"interval_minutes"`
	// RandomDelayMinutes adds up to this much uniform jitter per tick.
	RandomDelayMinutes int `json:"random_delay_minutes"`
	// WindowStart/WindowEnd bound dispatch to a time-of-day window ("HH:mm").
	// Empty means unbounded.
	WindowStart string `json:"window_start,omitempty"`
	WindowEnd   string `json:"window_end,omitempty"`
	// CommentProbability applies only to channel_monitoring; [0,1].
	CommentProbability *float64 `json:"comment_probability,omitempty"`
	// TemplateID selects the message template for group_posting.
	TemplateID string `json:"template_id,omitempty"`
	RetryOn    bool   `json:"retry_on"`
	// MaxRetries per delivery attempt; [1,10].
	MaxRetries int  `json:"max_retries"`
	AutoJoin   bool `json:"auto_join"`
	// PrecheckPolicy defaults to strict.
	PrecheckPolicy PrecheckPolicy `json:"precheck_policy"`
	// MaxConsecutiveFailures stops the task automatically; default 5.
	MaxConsecutiveFailures int `json:"max_consecutive_failures"`

	Dispatch DispatchState `json:"dispatch"`
}

// Task binds a pool of accounts to a set of targets under one config.
type Task struct {
	ID         string     `json:"id" db:"id"`
	Type       TaskType   `json:"type" db:"type"`
	Title      string     `json:"title" db:"title"`
	AccountIDs []string   `json:"account_ids"`
	TargetIDs  []string   `json:"target_ids"`
	Config     TaskConfig `json:"config"`
	Status     TaskStatus `json:"status" db:"status"`
	Priority   int        `json:"priority" db:"priority"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// DeliveryStatus is the outcome recorded for one delivery attempt.
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// DeliveryRecord is one row of delivery history.
type DeliveryRecord struct {
	ID        string         `json:"id" db:"id"`
	TaskID    string         `json:"task_id,omitempty" db:"task_id"`
	AccountID string         `json:"account_id" db:"account_id"`
	TargetID  string         `json:"target_id" db:"target_id"`
	Status    DeliveryStatus `json:"status" db:"status"`
	MessageID int64          `json:"message_id,omitempty" db:"message_id"`
	Error     string         `json:"error,omitempty" db:"error"`
	Attempt   int            `json:"attempt" db:"attempt"`
	Preview   string         `json:"preview,omitempty" db:"preview"`
	SentAt    time.Time      `json:"sent_at" db:"sent_at"`
}

// MinuteOfDay parses an "HH:mm" string into minutes from midnight.
// Hour must be in [0,23] and minute in [0,59].
func MinuteOfDay(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q: want HH:mm", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// InWindow reports whether t falls inside the task's time-of-day window.
// An empty window means always. Windows may wrap midnight (e.g. 22:00-06:00).
func (c TaskConfig) InWindow(t time.Time) bool {
	if strings.TrimSpace(c.WindowStart) == "" || strings.TrimSpace(c.WindowEnd) == "" {
		return true
	}
	start, err := MinuteOfDay(c.WindowStart)
	if err != nil {
		return true
	}
	end, err := MinuteOfDay(c.WindowEnd)
	if err != nil {
		return true
	}
	cur := t.Hour()*60 + t.Minute()
	if start <= end {
		return cur >= start && cur <= end
	}
	return cur >= start || cur <= end
}

// RenderTemplate substitutes {placeholder} variables in text.
func RenderTemplate(text string, vars map[string]string) string {
	if text == "" || len(vars) == 0 {
		return text
	}
	for k, v := range vars {
		text = strings.ReplaceAll(text, "{"+k+"}", v)
	}
	return text
}
