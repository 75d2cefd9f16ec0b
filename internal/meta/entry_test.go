package meta

import (
	"testing"
	"time"
)

func TestNewScheduledEntry(t *testing.T) {
	now := time.Now()
	entry := NewScheduledEntry[string](" ETHEREUM:0xabc:1 ", now)
	if entry.ID != "ETHEREUM:0xabc:1" {
		t.Fatalf("id = %q", entry.ID)
	}
	if entry.Status != StatusScheduled {
		t.Fatalf("status = %s", entry.Status)
	}
	if entry.Data != nil {
		t.Fatal("fresh entry carries data")
	}
	if entry.ScheduledAt == nil || entry.UpdatedAt == nil {
		t.Fatal("timestamps missing")
	}
}

func TestSucceedReplacesDataAndClearsDiagnostics(t *testing.T) {
	now := time.Now()
	entry := NewScheduledEntry[string]("a", now)
	entry = entry.Fail("boom", 5, now)
	entry = entry.Succeed("payload", now.Add(time.Second))

	if entry.Status != StatusSuccess {
		t.Fatalf("status = %s", entry.Status)
	}
	if entry.Data == nil || *entry.Data != "payload" {
		t.Fatalf("data = %v", entry.Data)
	}
	if entry.Downloads != 1 {
		t.Fatalf("downloads = %d", entry.Downloads)
	}
	if entry.Retries != 0 {
		t.Fatalf("retries = %d", entry.Retries)
	}
	if entry.ErrorMessage != "" {
		t.Fatalf("error message = %q", entry.ErrorMessage)
	}
	if entry.Fails != 1 {
		t.Fatalf("fails = %d", entry.Fails)
	}
}

func TestFailFirstAttemptDoesNotConsumeRetry(t *testing.T) {
	now := time.Now()
	entry := NewScheduledEntry[string]("a", now)
	entry = entry.Fail("boom", 5, now)

	if entry.Status != StatusRetry {
		t.Fatalf("status = %s", entry.Status)
	}
	if entry.Retries != 0 {
		t.Fatalf("retries = %d", entry.Retries)
	}
	if entry.Fails != 1 {
		t.Fatalf("fails = %d", entry.Fails)
	}
}

func TestFailConsumesRetriesThenFails(t *testing.T) {
	now := time.Now()
	entry := NewScheduledEntry[string]("a", now)

	// first failure moves to RETRY without consuming budget; each further
	// failure consumes one retry cycle
	for i := 0; i <= 2; i++ {
		entry = entry.Fail("boom", 2, now)
	}
	if entry.Status != StatusRetry {
		t.Fatalf("status = %s after budget consumed", entry.Status)
	}
	if entry.Retries != 2 {
		t.Fatalf("retries = %d", entry.Retries)
	}

	entry = entry.Fail("boom", 2, now)
	if entry.Status != StatusFailed {
		t.Fatalf("status = %s", entry.Status)
	}

	// terminal entries only accumulate diagnostics
	entry = entry.Fail("again", 2, now)
	if entry.Status != StatusFailed {
		t.Fatalf("status = %s", entry.Status)
	}
	if entry.ErrorMessage != "again" {
		t.Fatalf("error message = %q", entry.ErrorMessage)
	}
}

func TestFailKeepsDownloadedData(t *testing.T) {
	now := time.Now()
	entry := NewScheduledEntry[string]("a", now)
	entry = entry.Succeed("payload", now)
	entry = entry.Fail("boom", 5, now.Add(time.Second))

	if entry.Data == nil || *entry.Data != "payload" {
		t.Fatal("failure wiped downloaded data")
	}
	if entry.Status != StatusRetry {
		t.Fatalf("status = %s", entry.Status)
	}
}

func TestRetryable(t *testing.T) {
	now := time.Now()
	entry := NewScheduledEntry[string]("a", now)
	if !entry.Retryable(3) {
		t.Fatal("scheduled entry not retryable")
	}
	entry = entry.Fail("boom", 3, now)
	if !entry.Retryable(3) {
		t.Fatal("retrying entry not retryable")
	}
	done := NewScheduledEntry[string]("b", now).Succeed("x", now)
	if done.Retryable(3) {
		t.Fatal("succeeded entry retryable")
	}
	dead := NewScheduledEntry[string]("c", now)
	for i := 0; i < 3; i++ {
		dead = dead.Fail("boom", 1, now)
	}
	if dead.Status != StatusFailed {
		t.Fatalf("status = %s", dead.Status)
	}
	if dead.Retryable(1) {
		t.Fatal("failed entry retryable")
	}
}

func TestUpdatedWithin(t *testing.T) {
	now := time.Now()
	entry := NewScheduledEntry[string]("a", now)
	if !entry.UpdatedWithin(time.Minute, now.Add(time.Second)) {
		t.Fatal("expected entry inside window")
	}
	if entry.UpdatedWithin(time.Minute, now.Add(2*time.Minute)) {
		t.Fatal("expected entry outside window")
	}
	if entry.UpdatedWithin(0, now) {
		t.Fatal("zero window must never debounce")
	}
	entry.UpdatedAt = nil
	if entry.UpdatedWithin(time.Minute, now) {
		t.Fatal("entry without timestamp must never debounce")
	}
}

func TestStatusValidate(t *testing.T) {
	for _, status := range []Status{StatusScheduled, StatusRetry, StatusFailed, StatusSuccess} {
		if err := status.Validate(); err != nil {
			t.Fatalf("%s: %v", status, err)
		}
	}
	if err := Status("PENDING").Validate(); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestTaskValidate(t *testing.T) {
	task := NewTask("a", PipelineSync, true, SourceExternal, 10)
	if err := task.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if task.Priority != 10 || !task.Force {
		t.Fatalf("task = %+v", task)
	}
	if err := (Task{Pipeline: PipelineDefault}).Validate(); err == nil {
		t.Fatal("expected error for missing id")
	}
	if err := (Task{ID: "a"}).Validate(); err == nil {
		t.Fatal("expected error for missing pipeline")
	}
}
