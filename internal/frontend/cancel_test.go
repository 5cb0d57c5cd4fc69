package frontend

import "testing"

func TestRegisterAndLookupCancelKey(t *testing.T) {
	sess := &Session{}
	pid, secret := registerCancelKey(sess)
	defer unregisterCancelKey(pid, secret)

	got, ok := lookupCancelKey(pid, secret)
	if !ok || got != sess {
		t.Fatalf("lookupCancelKey(%d, %d) = %v, %v, want the registered session", pid, secret, got, ok)
	}
}

func TestLookupCancelKeyMissing(t *testing.T) {
	if _, ok := lookupCancelKey(999999, 999999); ok {
		t.Fatal("expected lookup miss for an unregistered key")
	}
}

func TestUnregisterCancelKeyRemovesEntry(t *testing.T) {
	sess := &Session{}
	pid, secret := registerCancelKey(sess)
	unregisterCancelKey(pid, secret)

	if _, ok := lookupCancelKey(pid, secret); ok {
		t.Fatal("expected lookup miss after unregister")
	}
}

func TestRegisterCancelKeyAssignsDistinctPIDs(t *testing.T) {
	sessA, sessB := &Session{}, &Session{}
	pidA, secretA := registerCancelKey(sessA)
	pidB, secretB := registerCancelKey(sessB)
	defer unregisterCancelKey(pidA, secretA)
	defer unregisterCancelKey(pidB, secretB)

	if pidA == pidB {
		t.Fatal("expected distinct PIDs for two registered sessions")
	}
}
