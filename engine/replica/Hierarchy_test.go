package replica

import (
	"testing"
	"time"

	"github.com/bmizerany/assert"

	"github.com/helixengine/helixnet/engine/common"
)

func testRecord(typeName string) *ReplicatedObject {
	return &ReplicatedObject{
		ObjectID: common.GenGUID(),
		typeName: typeName,
		Role:     ROLE_OWNED_AUTHORITATIVE,
	}
}

func resultObjects(hr *HierarchyResult) map[*ReplicatedObject]bool {
	set := map[*ReplicatedObject]bool{}
	for _, e := range hr.Entries {
		set[e.Object] = true
	}
	return set
}

func TestDefaultHierarchyEveryTick(t *testing.T) {
	dh := NewDefaultHierarchy()
	a, b := testRecord("A"), testRecord("B")
	dh.AddObject(a)
	dh.AddObject(b)

	var result HierarchyResult
	dh.Update(&result)
	set := resultObjects(&result)
	assert.T(t, set[a])
	assert.T(t, set[b])

	dh.RemoveObject(a)
	result.reset()
	dh.Update(&result)
	set = resultObjects(&result)
	assert.T(t, !set[a])
	assert.T(t, set[b])
}

func TestDefaultHierarchyRateCap(t *testing.T) {
	dh := NewDefaultHierarchy()
	now := time.Unix(100, 0)
	dh.now = func() time.Time { return now }

	ro := testRecord("Slow")
	ro.ReplicationFPS = 10 // one update per 100ms
	dh.AddObject(ro)

	var result HierarchyResult
	dh.Update(&result)
	assert.Equal(t, 1, len(result.Entries))

	// 50ms later: not due yet
	now = now.Add(50 * time.Millisecond)
	result.reset()
	dh.Update(&result)
	assert.Equal(t, 0, len(result.Entries))

	// 100ms after the first send: due again
	now = now.Add(50 * time.Millisecond)
	result.reset()
	dh.Update(&result)
	assert.Equal(t, 1, len(result.Entries))
}

func TestDefaultHierarchyPausedAndDirty(t *testing.T) {
	dh := NewDefaultHierarchy()
	ro := testRecord("Paused")
	ro.ReplicationFPS = -1
	dh.AddObject(ro)

	var result HierarchyResult
	dh.Update(&result)
	assert.Equal(t, 0, len(result.Entries))

	// a dirty hint overrides the pause for one tick
	dh.DirtyObject(ro)
	result.reset()
	dh.Update(&result)
	assert.Equal(t, 1, len(result.Entries))

	result.reset()
	dh.Update(&result)
	assert.Equal(t, 0, len(result.Entries))
}

func TestDefaultHierarchyDirtySkipsRateCap(t *testing.T) {
	dh := NewDefaultHierarchy()
	now := time.Unix(100, 0)
	dh.now = func() time.Time { return now }

	ro := testRecord("Slow")
	ro.ReplicationFPS = 1
	dh.AddObject(ro)

	var result HierarchyResult
	dh.Update(&result)
	assert.Equal(t, 1, len(result.Entries))

	now = now.Add(10 * time.Millisecond)
	dh.DirtyObject(ro)
	result.reset()
	dh.Update(&result)
	assert.Equal(t, 1, len(result.Entries))
}
