package auth

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDisabledAuthAcceptsEverything(t *testing.T) {
	ts := New("", zerolog.Nop())

	if ts.Required() {
		t.Error("empty password should disable auth")
	}
	if !ts.CheckPassword("anything") {
		t.Error("disabled auth should accept any password")
	}
	if !ts.Validate("never-issued") {
		t.Error("disabled auth should accept any token")
	}
}

func TestPasswordCheck(t *testing.T) {
	ts := New("hunter2", zerolog.Nop())

	if !ts.Required() {
		t.Error("non-empty password should require auth")
	}
	if !ts.CheckPassword("hunter2") {
		t.Error("correct password rejected")
	}
	if ts.CheckPassword("hunter") || ts.CheckPassword("") || ts.CheckPassword("hunter22") {
		t.Error("wrong password accepted")
	}
}

func TestIssueAndValidate(t *testing.T) {
	ts := New("hunter2", zerolog.Nop())

	token := ts.Issue()
	if token == "" {
		t.Fatal("empty token issued")
	}
	if !ts.Validate(token) {
		t.Error("freshly issued token rejected")
	}
	if ts.Validate("bogus") {
		t.Error("unknown token accepted")
	}
}

func TestExpiredTokenRejectedAndPruned(t *testing.T) {
	ts := New("hunter2", zerolog.Nop())
	token := ts.Issue()

	ts.mu.Lock()
	ts.tokens[token].created = time.Now().Add(-tokenTTL - time.Minute)
	ts.mu.Unlock()

	if ts.Validate(token) {
		t.Error("expired token accepted")
	}

	stale := ts.Issue()
	ts.mu.Lock()
	ts.tokens[stale].created = time.Now().Add(-tokenTTL - time.Minute)
	ts.mu.Unlock()

	ts.prune()
	ts.mu.Lock()
	_, ok := ts.tokens[stale]
	ts.mu.Unlock()
	if ok {
		t.Error("prune left the expired token in place")
	}
}

func TestReleaseKeepsTokenValid(t *testing.T) {
	ts := New("hunter2", zerolog.Nop())
	token := ts.Issue()

	// A reconnecting client reuses its token after the old connection's
	// reference is dropped.
	ts.Acquire(token)
	ts.Release(token)
	if !ts.Validate(token) {
		t.Error("token should survive a release until TTL expiry")
	}

	// Releases never underflow.
	ts.Release(token)
	ts.Release(token)
	if !ts.Validate(token) {
		t.Error("extra releases should not invalidate the token")
	}
}
