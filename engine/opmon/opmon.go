package opmon

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/helixengine/helixnet/engine/consts"
	"github.com/helixengine/helixnet/engine/hxlog"
)

var (
	operationAllocPool = sync.Pool{
		New: func() interface{} {
			return &Operation{}
		},
	}

	monitor = newMonitor()
)

func init() {
	if consts.OPMON_DUMP_INTERVAL > 0 {
		go func() {
			for {
				time.Sleep(consts.OPMON_DUMP_INTERVAL)
				Dump(hxlog.GetOutput())
			}
		}()
	}
}

type opStat struct {
	count         uint64
	totalDuration time.Duration
	maxDuration   time.Duration
}

type opMonitor struct {
	sync.Mutex
	stats map[string]*opStat
}

func newMonitor() *opMonitor {
	return &opMonitor{
		stats: map[string]*opStat{},
	}
}

func (m *opMonitor) record(opname string, duration time.Duration) {
	m.Lock()
	stat := m.stats[opname]
	if stat == nil {
		stat = &opStat{}
		m.stats[opname] = stat
	}
	stat.count++
	stat.totalDuration += duration
	if duration > stat.maxDuration {
		stat.maxDuration = duration
	}
	m.Unlock()
}

// Dump writes the collected operation stats to w and resets the counters
func Dump(w io.Writer) {
	monitor.Lock()
	stats := monitor.stats
	monitor.stats = map[string]*opStat{}
	monitor.Unlock()

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprint(w, "=====================================================================================\n")
	for _, name := range names {
		stat := stats[name]
		fmt.Fprintf(w, "%-30sx%-10d AVG %-10s MAX %-10s\n", name, stat.count, stat.totalDuration/time.Duration(stat.count), stat.maxDuration)
	}
}

// Operation is one monitored operation in progress
type Operation struct {
	name      string
	startTime time.Time
}

// StartOperation starts timing a named operation
func StartOperation(operationName string) *Operation {
	op := operationAllocPool.Get().(*Operation)
	op.name = operationName
	op.startTime = time.Now()
	return op
}

// Finish records the operation's duration, warning when it exceeded the
// threshold. The Operation must not be used afterwards.
func (op *Operation) Finish(warnThreshold time.Duration) {
	takeTime := time.Now().Sub(op.startTime)
	monitor.record(op.name, takeTime)
	if takeTime >= warnThreshold {
		hxlog.Warnf("opmon: operation %s takes %s > %s", op.name, takeTime, warnThreshold)
	}
	operationAllocPool.Put(op)
}
