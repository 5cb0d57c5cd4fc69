package frontend

import (
	"context"
	"testing"
	"time"
)

func TestMaintenanceWaitReturnsImmediatelyWhenOff(t *testing.T) {
	m := NewMaintenance()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestMaintenanceWaitReleasedByOff(t *testing.T) {
	m := NewMaintenance()
	m.On()
	if !m.Enabled() {
		t.Fatal("expected enabled")
	}

	done := make(chan error, 1)
	go func() {
		done <- m.Wait(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	m.Off()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Off")
	}
	if m.Enabled() {
		t.Fatal("expected disabled after Off")
	}
}

func TestMaintenanceWaitCanceledByContext(t *testing.T) {
	m := NewMaintenance()
	m.On()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := m.Wait(ctx); err == nil {
		t.Fatal("expected context deadline error")
	}
}
