package replica

import (
	"strconv"

	"github.com/petar/GoLLRB/llrb"

	"github.com/helixengine/helixnet/engine/common"
	"github.com/helixengine/helixnet/engine/hxlog"
	"github.com/helixengine/helixnet/engine/hxutils"
)

// FilterOp selects which clients a filter visit matches
type FilterOp uint8

const (
	// FILTER_EQ matches clients whose value equals the probe
	FILTER_EQ FilterOp = iota
	// FILTER_NE matches clients whose value differs from the probe
	FILTER_NE
	// FILTER_GT matches clients whose value sorts after the probe
	FILTER_GT
	// FILTER_GTE matches clients whose value sorts at or after the probe
	FILTER_GTE
	// FILTER_LT matches clients whose value sorts before the probe
	FILTER_LT
	// FILTER_LTE matches clients whose value sorts at or before the probe
	FILTER_LTE
)

func (op FilterOp) String() string {
	switch op {
	case FILTER_EQ:
		return "EQ"
	case FILTER_NE:
		return "NE"
	case FILTER_GT:
		return "GT"
	case FILTER_GTE:
		return "GTE"
	case FILTER_LT:
		return "LT"
	case FILTER_LTE:
		return "LTE"
	default:
		return "FilterOp<" + strconv.Itoa(int(op)) + ">"
	}
}

// FilterTree indexes clients by one string property so hierarchies can turn
// property comparisons into target sets, e.g. all clients whose "zone" equals
// the object's zone. Keep one tree per property; a client re-inserting with a
// new value must Remove the old one first.
//
// Not goroutine safe; callers synchronize like they do for hierarchies.
type FilterTree struct {
	btree *llrb.LLRB
}

// NewFilterTree creates an empty filter tree
func NewFilterTree() *FilterTree {
	return &FilterTree{
		btree: llrb.New(),
	}
}

type filterTreeItem struct {
	clientid common.ClientID
	val      string
}

func (it *filterTreeItem) Less(_other llrb.Item) bool {
	other := _other.(*filterTreeItem)
	return it.val < other.val || (it.val == other.val && it.clientid < other.clientid)
}

// Insert indexes a client under val
func (ft *FilterTree) Insert(clientid common.ClientID, val string) {
	ft.btree.ReplaceOrInsert(&filterTreeItem{
		clientid: clientid,
		val:      val,
	})
}

// Remove drops the client's entry for val
func (ft *FilterTree) Remove(clientid common.ClientID, val string) {
	ft.btree.Delete(&filterTreeItem{
		clientid: clientid,
		val:      val,
	})
}

// Visit calls f for every client whose value matches op against val. The
// pivot items use client id 0, which sorts before every real client.
func (ft *FilterTree) Visit(op FilterOp, val string, f func(clientid common.ClientID)) {
	if op == FILTER_EQ {
		// visit key == val
		ft.btree.AscendGreaterOrEqual(&filterTreeItem{0, val}, func(_item llrb.Item) bool {
			item := _item.(*filterTreeItem)
			if item.val > val {
				return false
			}

			f(item.clientid)
			return true
		})
	} else if op == FILTER_NE {
		// visit key != val
		// visit key < val first
		ft.btree.AscendLessThan(&filterTreeItem{0, val}, func(_item llrb.Item) bool {
			f(_item.(*filterTreeItem).clientid)
			return true
		})
		// then visit key > val
		ft.btree.AscendGreaterOrEqual(&filterTreeItem{0, hxutils.NextLargerKey(val)}, func(_item llrb.Item) bool {
			f(_item.(*filterTreeItem).clientid)
			return true
		})
	} else if op == FILTER_GT {
		// visit key > val
		ft.btree.AscendGreaterOrEqual(&filterTreeItem{0, hxutils.NextLargerKey(val)}, func(_item llrb.Item) bool {
			f(_item.(*filterTreeItem).clientid)
			return true
		})
	} else if op == FILTER_GTE {
		// visit key >= val
		ft.btree.AscendGreaterOrEqual(&filterTreeItem{0, val}, func(_item llrb.Item) bool {
			f(_item.(*filterTreeItem).clientid)
			return true
		})
	} else if op == FILTER_LT {
		// visit key < val
		ft.btree.AscendLessThan(&filterTreeItem{0, val}, func(_item llrb.Item) bool {
			f(_item.(*filterTreeItem).clientid)
			return true
		})
	} else if op == FILTER_LTE {
		// visit key <= val
		ft.btree.AscendLessThan(&filterTreeItem{0, hxutils.NextLargerKey(val)}, func(_item llrb.Item) bool {
			f(_item.(*filterTreeItem).clientid)
			return true
		})
	} else {
		hxlog.Panicf("unknown filter op: %s", op)
	}
}

// Clients collects the matching clients of a visit into a target set
func (ft *FilterTree) Clients(op FilterOp, val string) common.ClientIDSet {
	targets := common.ClientIDSet{}
	ft.Visit(op, val, func(clientid common.ClientID) {
		targets.Add(clientid)
	})
	return targets
}
