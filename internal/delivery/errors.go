package delivery

import (
	"regexp"
	"strconv"
	"strings"

	"groupcast/internal/client"
)

// Failure codes surfaced by the executor.
const (
	CodeRateLimited         = "RATE_LIMIT_EXCEEDED"
	CodeFloodWait           = "FLOOD_WAIT"
	CodeClientNotFound      = "CLIENT_NOT_FOUND"
	CodePermissionDenied    = "PERMISSION_DENIED"
	CodeCommentNotAvailable = "COMMENT_NOT_AVAILABLE"
	CodeNetworkError        = "NETWORK_ERROR"
	CodeUnknown             = "UNKNOWN_ERROR"
)

// Failure is a classified delivery error.
type Failure struct {
	Code        string
	Message     string
	FloodWait   bool
	WaitSeconds int
	Retryable   bool
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return f.Code
	}
	return f.Code + ": " + f.Message
}

// AsFailure extracts a *Failure from err, or nil.
func AsFailure(err error) *Failure {
	f, _ := err.(*Failure)
	return f
}

var floodWaitSeconds = regexp.MustCompile(`(?i)(?:flood[_ ]?wait[_ ]?|retry ?after[: ]?)(\d+)`)

// classify maps an arbitrary send error into the fixed failure taxonomy.
// Unrecognized errors land on UNKNOWN_ERROR, conservatively non-retryable.
func classify(err error) *Failure {
	msg := err.Error()
	lower := strings.ToLower(msg)

	if code := client.CodeOf(err); code != "" {
		switch code {
		case CodeFloodWait:
			return floodFailure(msg)
		case CodeClientNotFound, CodePermissionDenied, CodeCommentNotAvailable:
			return &Failure{Code: code, Message: msg}
		case CodeNetworkError:
			return &Failure{Code: code, Message: msg, Retryable: true}
		}
	}

	switch {
	case strings.Contains(lower, "flood") || strings.Contains(lower, "retry after"):
		return floodFailure(msg)
	case strings.Contains(lower, "forbidden"),
		strings.Contains(lower, "permission"),
		strings.Contains(lower, "not enough rights"),
		strings.Contains(lower, "banned"),
		strings.Contains(lower, "deactivated"),
		strings.Contains(lower, "kicked"):
		return &Failure{Code: CodePermissionDenied, Message: msg}
	case strings.Contains(lower, "reply not found"),
		strings.Contains(lower, "replies are disabled"),
		strings.Contains(lower, "comment"),
		strings.Contains(lower, "msg_id_invalid"):
		return &Failure{Code: CodeCommentNotAvailable, Message: msg}
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "broken pipe"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "network"),
		strings.Contains(lower, "unexpected eof"):
		return &Failure{Code: CodeNetworkError, Message: msg, Retryable: true}
	}
	return &Failure{Code: CodeUnknown, Message: msg}
}

func floodFailure(msg string) *Failure {
	wait := 60
	if m := floodWaitSeconds.FindStringSubmatch(msg); len(m) == 2 {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			wait = n
		}
	}
	return &Failure{
		Code:        CodeFloodWait,
		Message:     msg,
		FloodWait:   true,
		WaitSeconds: wait,
		Retryable:   true,
	}
}

// bannedIndicating reports whether the error text names an account-level ban.
// Only these may push an account to the terminal banned status.
func bannedIndicating(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "deactivated") ||
		strings.Contains(lower, "account banned") ||
		strings.Contains(lower, "user_deactivated") ||
		strings.Contains(lower, "phone_banned")
}
