package delivery

import (
	"errors"
	"testing"

	"groupcast/internal/client"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
		wait      int
	}{
		{"flood wait with seconds", errors.New("telegram: retry after 42"), CodeFloodWait, true, 42},
		{"flood wait underscore", errors.New("FLOOD_WAIT_17"), CodeFloodWait, true, 17},
		{"flood wait no seconds", errors.New("flood control triggered"), CodeFloodWait, true, 60},
		{"forbidden", errors.New("telegram: Forbidden: bot was kicked"), CodePermissionDenied, false, 0},
		{"rights", errors.New("not enough rights to send text messages"), CodePermissionDenied, false, 0},
		{"deactivated", errors.New("user_deactivated"), CodePermissionDenied, false, 0},
		{"reply missing", errors.New("Bad Request: message to reply not found"), CodeCommentNotAvailable, false, 0},
		{"replies disabled", errors.New("replies are disabled"), CodeCommentNotAvailable, false, 0},
		{"timeout", errors.New("Post https://api: context deadline exceeded (timeout)"), CodeNetworkError, true, 0},
		{"reset", errors.New("read tcp: connection reset by peer"), CodeNetworkError, true, 0},
		{"dns", errors.New("dial tcp: lookup api: no such host"), CodeNetworkError, true, 0},
		{"unknown", errors.New("something odd happened"), CodeUnknown, false, 0},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := classify(tc.err)
			if f.Code != tc.code {
				t.Fatalf("code: got %s, want %s", f.Code, tc.code)
			}
			if f.Retryable != tc.retryable {
				t.Fatalf("retryable: got %v, want %v", f.Retryable, tc.retryable)
			}
			if tc.wait > 0 && f.WaitSeconds != tc.wait {
				t.Fatalf("wait: got %d, want %d", f.WaitSeconds, tc.wait)
			}
			if (f.Code == CodeFloodWait) != f.FloodWait {
				t.Fatalf("flood flag inconsistent: %+v", f)
			}
		})
	}
}

func TestClassifyHonorsAPICodes(t *testing.T) {
	t.Parallel()
	f := classify(client.Errf(CodePermissionDenied, "write denied upstream"))
	if f.Code != CodePermissionDenied || f.Retryable {
		t.Fatalf("api code not honored: %+v", f)
	}
	f = classify(client.Errf(CodeNetworkError, "socket gone"))
	if f.Code != CodeNetworkError || !f.Retryable {
		t.Fatalf("network api code: %+v", f)
	}
}

func TestBannedIndicating(t *testing.T) {
	t.Parallel()
	if !bannedIndicating("USER_DEACTIVATED_BAN") {
		t.Fatal("deactivated not flagged")
	}
	if bannedIndicating("bot was kicked from the group") {
		t.Fatal("chat-level kick flagged as account ban")
	}
}
