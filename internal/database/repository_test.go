package database

import "testing"

func TestWatchdogUpdates(t *testing.T) {
	cases := []struct {
		name       string
		retryCount int
		maxRetries int
		wantRetry  bool
	}{
		{"first recovery", 0, 3, true},
		{"last retry remaining", 2, 3, true},
		{"retries exhausted", 3, 3, false},
		{"no retries configured", 0, 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := &PendingCommand{RetryCount: tc.retryCount, MaxRetries: tc.maxRetries}
			updates, retry := watchdogUpdates(cmd)

			if retry != tc.wantRetry {
				t.Fatalf("retry: got %v, want %v", retry, tc.wantRetry)
			}
			if retry {
				if updates["status"] != CommandStatusPending {
					t.Errorf("status: got %v", updates["status"])
				}
				if updates["retry_count"] != tc.retryCount+1 {
					t.Errorf("retry_count: got %v, want %d", updates["retry_count"], tc.retryCount+1)
				}
				if v, ok := updates["processing_started_at"]; !ok || v != nil {
					t.Errorf("processing_started_at should reset to NULL, got %v", v)
				}
			} else {
				if updates["status"] != CommandStatusFailed {
					t.Errorf("status: got %v", updates["status"])
				}
				if updates["error_message"] == "" {
					t.Error("failed command should carry an error message")
				}
			}
		})
	}
}
