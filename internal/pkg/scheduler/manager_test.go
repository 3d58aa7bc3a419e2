package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInitManagerSingleton(t *testing.T) {
	// Reset the singleton for testing
	globalManager = nil
	managerOnce = sync.Once{}

	manager1 := InitManager(nil)
	manager2 := InitManager(nil)

	assert.NotNil(t, manager1)
	assert.Same(t, manager1, manager2, "InitManager should return the same instance")
	assert.Same(t, manager1, GetManager())

	// Test initial state
	assert.NotNil(t, manager1.stopCh)
	assert.False(t, manager1.running)
}

func TestGetManagerBeforeInit(t *testing.T) {
	// Reset the singleton for testing
	globalManager = nil
	managerOnce = sync.Once{}

	assert.Nil(t, GetManager())
}

func TestManager_IsRunning(t *testing.T) {
	// Reset the singleton for testing
	globalManager = nil
	managerOnce = sync.Once{}

	manager := InitManager(nil)

	// Initial state should be not running
	assert.False(t, manager.IsRunning())

	// Manually set running state to test the method
	manager.mu.Lock()
	manager.running = true
	manager.mu.Unlock()

	assert.True(t, manager.IsRunning())

	// Reset running state
	manager.mu.Lock()
	manager.running = false
	manager.mu.Unlock()

	assert.False(t, manager.IsRunning())
}

func TestManager_WorkersHonorStopChannelCapturedAtStart(t *testing.T) {
	// Reset the singleton for testing
	globalManager = nil
	managerOnce = sync.Once{}

	manager := InitManager(nil)

	stopCh := manager.stopCh
	manager.renewalTicker = time.NewTicker(time.Hour)
	manager.counterFlushTicker = time.NewTicker(time.Hour)
	manager.wg.Add(2)
	go manager.renewalWorker(time.Hour, stopCh)
	go manager.counterFlushWorker(stopCh)

	// A worker that re-enters its select after the stop channel field has
	// been swapped out must still observe the close on the channel it was
	// started with. A worker stuck on a stale field read would hang here.
	manager.renewalTicker.Stop()
	manager.counterFlushTicker.Stop()
	manager.mu.Lock()
	manager.stopCh = make(chan struct{})
	manager.mu.Unlock()
	close(stopCh)

	done := make(chan struct{})
	go func() {
		manager.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not exit after the stop channel was closed")
	}
}

func TestManager_StopWithoutStart(t *testing.T) {
	// Reset the singleton for testing
	globalManager = nil
	managerOnce = sync.Once{}

	manager := InitManager(nil)

	// Stop without starting should be safe
	assert.False(t, manager.IsRunning())
	manager.Stop()
	assert.False(t, manager.IsRunning())
}
