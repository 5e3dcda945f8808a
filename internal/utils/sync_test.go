package utils

import (
	"testing"
	"time"
)

func TestOptionalMutexDisabledNeverBlocks(t *testing.T) {
	m := OptionalMutex{}
	m.Lock()
	m.Lock()
	m.Unlock()
	m.Unlock()

	rw := OptionalRWMutex{}
	rw.Lock()
	rw.RLock()
	rw.RUnlock()
	rw.Unlock()
}

func TestOptionalMutexEnabled(t *testing.T) {
	m := OptionalMutex{UseMutex: true}
	m.Lock()

	acquired := make(chan struct{})
	go func() {
		m.Lock()
		close(acquired)
		m.Unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock did not block")
	case <-time.After(10 * time.Millisecond):
	}

	m.Unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired the mutex")
	}
}

func TestOptionalRWMutexEnabled(t *testing.T) {
	m := OptionalRWMutex{UseMutex: true}
	m.RLock()
	m.RLock()

	acquired := make(chan struct{})
	go func() {
		m.Lock()
		close(acquired)
		m.Unlock()
	}()

	m.RUnlock()
	select {
	case <-acquired:
		t.Fatal("Lock did not wait for the remaining reader")
	case <-time.After(10 * time.Millisecond):
	}

	m.RUnlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Lock never acquired the mutex")
	}
}
