package workflow

import (
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/storefront_backend/models"
)

func TestDispatcher_RetriesFailedEmailUntilSuccess(t *testing.T) {
	engine, backend, mailer := newTestEngine(t, publishedProduct(1, 100, 5))
	mailer.setFail(true)

	if _, err := engine.CreateOrder(context.Background(), validInput(
		models.NewOrderItem{ProductId: 1, Quantity: 1},
	)); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	emailTask := backend.taskByType(models.SideEffectEmailConfirmation)
	if emailTask == nil || emailTask.Status != models.SideEffectStatusFailed {
		t.Fatalf("email task should be FAILED after inline attempt, got %+v", emailTask)
	}

	// The relay comes back; force the task due and drain.
	mailer.setFail(false)
	forceDue(backend, emailTask.ID)

	dispatcher := NewSideEffectDispatcher(engine.Runner)
	processed, succeeded := dispatcher.DrainOnce(context.Background())
	if processed != 1 || succeeded != 1 {
		t.Fatalf("processed=%d succeeded=%d, want 1/1", processed, succeeded)
	}
	if mailer.sentCount() != 1 {
		t.Fatalf("email sent %d times, want 1", mailer.sentCount())
	}

	emailTask = backend.taskByType(models.SideEffectEmailConfirmation)
	if emailTask.Status != models.SideEffectStatusSucceeded {
		t.Fatalf("task not settled: %+v", emailTask)
	}
}

func TestDispatcher_DuplicateClaim_AppendsLedgerOnce(t *testing.T) {
	engine, backend, _ := newTestEngine(t, publishedProduct(1, 100, 5))

	if _, err := engine.CreateOrder(context.Background(), validInput(
		models.NewOrderItem{ProductId: 1, Quantity: 2},
	)); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	// Simulate a crash between executing the task and marking it done: the
	// row is re-claimed, but the ledger row already exists.
	ledgerTask := backend.taskByType(models.SideEffectLedgerAppend)
	if ledgerTask == nil {
		t.Fatal("ledger task missing")
	}
	resetToPending(backend, ledgerTask.ID)

	dispatcher := NewSideEffectDispatcher(engine.Runner)
	processed, succeeded := dispatcher.DrainOnce(context.Background())
	if processed != 1 || succeeded != 1 {
		t.Fatalf("processed=%d succeeded=%d, want 1/1", processed, succeeded)
	}

	sales := 0
	for _, m := range backend.movementRows() {
		if m.MovementType == models.MovementTypeSale {
			sales++
		}
	}
	if sales != 1 {
		t.Fatalf("duplicate execution appended %d sale rows, want 1", sales)
	}
}

func TestDispatcher_DeadAfterMaxAttempts(t *testing.T) {
	engine, backend, mailer := newTestEngine(t, publishedProduct(1, 100, 5))
	mailer.setFail(true)

	if _, err := engine.CreateOrder(context.Background(), validInput(
		models.NewOrderItem{ProductId: 1, Quantity: 1},
	)); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	emailTask := backend.taskByType(models.SideEffectEmailConfirmation)

	dispatcher := NewSideEffectDispatcher(engine.Runner)
	for i := 0; i < maxTaskAttempts+2; i++ {
		forceDue(backend, emailTask.ID)
		dispatcher.DrainOnce(context.Background())
	}

	emailTask = backend.taskByType(models.SideEffectEmailConfirmation)
	if emailTask.Status != models.SideEffectStatusDead {
		t.Fatalf("task should be DEAD after %d attempts, got %s (attempts=%d)",
			maxTaskAttempts, emailTask.Status, emailTask.Attempts)
	}
}

func TestBackoffForAttempt_GrowsAndCaps(t *testing.T) {
	if backoffForAttempt(1) != initialBackoff {
		t.Fatalf("first retry backoff = %s", backoffForAttempt(1))
	}
	if backoffForAttempt(2) != 2*initialBackoff {
		t.Fatalf("second retry backoff = %s", backoffForAttempt(2))
	}
	if backoffForAttempt(50) != maxBackoff {
		t.Fatalf("backoff not capped: %s", backoffForAttempt(50))
	}
}

// forceDue clears the failed task's scheduling state so the next DrainOnce
// picks it up regardless of wall-clock time.
func forceDue(backend *fakeBackend, taskId int) {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	task := backend.state.tasks[taskId]
	if task.Status != models.SideEffectStatusDead {
		task.NextAttemptAt = nil
		task.LockedAt = nil
	}
}

// resetToPending mimics a worker that executed a task but died before
// settling it, leaving the row claimable again.
func resetToPending(backend *fakeBackend, taskId int) {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	task := backend.state.tasks[taskId]
	task.Status = models.SideEffectStatusPending
	task.NextAttemptAt = nil
	task.LockedAt = nil
	task.LockedBy = nil
}
