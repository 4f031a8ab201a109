package wikisync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	list := &CallbackList[func()]{}

	calls := 0
	id1 := list.Add(func() {
		calls += 1
	})
	id2 := list.Add(func() {
		calls += 10
	})
	assert.NotEqual(t, id1, id2)

	for _, callback := range list.Get() {
		callback()
	}
	assert.Equal(t, calls, 11)

	list.Remove(id1)
	for _, callback := range list.Get() {
		callback()
	}
	assert.Equal(t, calls, 21)

	// removing an unknown id is a no-op
	list.Remove(id1)
	list.Remove(1024)
	assert.Equal(t, len(list.Get()), 1)
}

func TestCallbackListStableGet(t *testing.T) {
	list := &CallbackList[func()]{}

	removed := false
	var id1 int
	id1 = list.Add(func() {
		// removal during iteration must not affect the snapshot
		list.Remove(id1)
		removed = true
	})
	list.Add(func() {
	})

	callbacks := list.Get()
	assert.Equal(t, len(callbacks), 2)
	for _, callback := range callbacks {
		callback()
	}
	assert.Equal(t, removed, true)
	assert.Equal(t, len(list.Get()), 1)
}

func TestCallSafe(t *testing.T) {
	// a panicking listener is contained
	callSafe("[test]", func() {
		panic("listener bug")
	})

	called := false
	callSafe("[test]", func() {
		called = true
	})
	assert.Equal(t, called, true)
}
