package jobmanager

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func startTask(t *testing.T, fn func(context.Context)) *Task {
	t.Helper()
	task := NewTask("test", fn)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		task.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return task
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTask_ResetFiresOnce(t *testing.T) {
	var runs atomic.Int32
	task := startTask(t, func(context.Context) { runs.Add(1) })

	task.Reset(10 * time.Millisecond)
	if !task.Armed() {
		t.Error("task should be armed after Reset")
	}
	waitFor(t, "first run", func() bool { return runs.Load() == 1 })

	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Errorf("single-shot timer ran %d times", got)
	}
	if task.Armed() {
		t.Error("task should disarm after running")
	}
}

func TestTask_StopCancelsPendingRun(t *testing.T) {
	var runs atomic.Int32
	task := startTask(t, func(context.Context) { runs.Add(1) })

	task.Reset(50 * time.Millisecond)
	task.Stop()
	if task.Armed() {
		t.Error("stopped task reports armed")
	}
	time.Sleep(100 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Errorf("stopped task ran %d times", got)
	}
}

func TestTask_LatestResetWins(t *testing.T) {
	var runs atomic.Int32
	task := startTask(t, func(context.Context) { runs.Add(1) })

	task.Reset(time.Hour)
	task.Fire()
	waitFor(t, "fired run", func() bool { return runs.Load() == 1 })

	task.Reset(10 * time.Millisecond)
	task.Reset(time.Hour)
	time.Sleep(60 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Errorf("superseded reset ran, runs = %d", got)
	}
	if !task.Armed() {
		t.Error("task should still be armed for the hour-long reset")
	}
}

func TestTask_RearmFromCallback(t *testing.T) {
	var runs atomic.Int32
	var task *Task
	task = startTask(t, func(context.Context) {
		if runs.Add(1) < 3 {
			task.Reset(time.Millisecond)
		}
	})

	task.Fire()
	waitFor(t, "three runs", func() bool { return runs.Load() == 3 })
	time.Sleep(20 * time.Millisecond)
	if got := runs.Load(); got != 3 {
		t.Errorf("runs = %d, want 3", got)
	}
}
