package scheduler

import "testing"

func TestAccountRateLimiterAllowsUpToBurst(t *testing.T) {
	rl := newAccountRateLimiter(0, 3)

	for i := 0; i < 3; i++ {
		if !rl.allow("acct-1") {
			t.Fatalf("expected allow on burst token %d", i)
		}
	}
	if rl.allow("acct-1") {
		t.Fatalf("expected burst to be exhausted")
	}
}

func TestAccountRateLimiterIsolatesAccounts(t *testing.T) {
	rl := newAccountRateLimiter(0, 1)

	if !rl.allow("acct-1") {
		t.Fatalf("expected first account to get its own bucket")
	}
	if !rl.allow("acct-2") {
		t.Fatalf("expected second account to get its own independent bucket")
	}
	if rl.allow("acct-1") {
		t.Fatalf("expected acct-1 bucket to be exhausted")
	}
}
