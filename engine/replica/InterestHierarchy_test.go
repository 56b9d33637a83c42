package replica

import (
	"testing"

	"github.com/bmizerany/assert"

	"github.com/helixengine/helixnet/engine/common"
)

func interestTargets(hr *HierarchyResult, ro *ReplicatedObject) common.ClientIDSet {
	for _, e := range hr.Entries {
		if e.Object == ro {
			return e.Targets
		}
	}
	return nil
}

func TestInterestHierarchyVisibility(t *testing.T) {
	ih := NewInterestHierarchy(100)
	near := common.ClientID(2)
	far := common.ClientID(3)
	ih.SetClient(near, 0, 0)
	ih.SetClient(far, 1000, 1000)

	ro := testRecord("Crate")
	ih.AddObject(ro)
	ih.SetObjectPosition(ro.ObjectID, 10, 10)

	var result HierarchyResult
	ih.Update(&result)
	targets := interestTargets(&result, ro)
	assert.T(t, targets != nil)
	assert.T(t, targets.Contains(near))
	assert.T(t, !targets.Contains(far))
}

func TestInterestHierarchyMovementChangesVisibility(t *testing.T) {
	ih := NewInterestHierarchy(100)
	watcher := common.ClientID(2)
	ih.SetClient(watcher, 0, 0)

	ro := testRecord("Crate")
	ih.AddObject(ro)
	ih.SetObjectPosition(ro.ObjectID, 500, 500)

	var result HierarchyResult
	ih.Update(&result)
	assert.Equal(t, 0, len(result.Entries))

	// moving into range makes the object visible
	ih.SetObjectPosition(ro.ObjectID, 50, 50)
	result.reset()
	ih.Update(&result)
	targets := interestTargets(&result, ro)
	assert.T(t, targets != nil)
	assert.T(t, targets.Contains(watcher))

	// and the client walking away hides it again
	ih.SetClient(watcher, 2000, 2000)
	result.reset()
	ih.Update(&result)
	assert.Equal(t, 0, len(result.Entries))
}

func TestInterestHierarchyRemoveClient(t *testing.T) {
	ih := NewInterestHierarchy(100)
	watcher := common.ClientID(2)
	ih.SetClient(watcher, 0, 0)

	ro := testRecord("Crate")
	ih.AddObject(ro)
	ih.SetObjectPosition(ro.ObjectID, 10, 10)

	var result HierarchyResult
	ih.Update(&result)
	assert.Equal(t, 1, len(result.Entries))

	ih.RemoveClient(watcher)
	result.reset()
	ih.Update(&result)
	assert.Equal(t, 0, len(result.Entries))
}

func TestInterestHierarchyRemoveObject(t *testing.T) {
	ih := NewInterestHierarchy(100)
	ih.SetClient(common.ClientID(2), 0, 0)

	ro := testRecord("Crate")
	ih.AddObject(ro)
	ih.SetObjectPosition(ro.ObjectID, 10, 10)

	var result HierarchyResult
	ih.Update(&result)
	assert.Equal(t, 1, len(result.Entries))

	ih.RemoveObject(ro)
	result.reset()
	ih.Update(&result)
	assert.Equal(t, 0, len(result.Entries))
}
