package jobs

import (
	"sort"
	"sync"
	"time"
)

// heartbeatInterval is how often a running worker reports its counters.
const heartbeatInterval = 30 * time.Second

// WorkerStatus is one worker's heartbeat snapshot.
type WorkerStatus struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	LastBeat  time.Time `json:"last_beat"`
	Processed uint64    `json:"processed"`
	Errors    uint64    `json:"errors"`
}

var (
	workersMu sync.RWMutex
	workers   = map[string]*WorkerStatus{}
)

func registerWorker(st *WorkerStatus) {
	workersMu.Lock()
	workers[st.ID] = st
	workersMu.Unlock()
}

func deregisterWorker(id string) {
	workersMu.Lock()
	delete(workers, id)
	workersMu.Unlock()
}

func beatWorker(id string, processed, errors uint64, at time.Time) {
	workersMu.Lock()
	if st, ok := workers[id]; ok {
		st.LastBeat = at
		st.Processed = processed
		st.Errors = errors
	}
	workersMu.Unlock()
}

// ActiveWorkers returns the registered workers of this process, oldest first.
func ActiveWorkers() []WorkerStatus {
	workersMu.RLock()
	out := make([]WorkerStatus, 0, len(workers))
	for _, st := range workers {
		out = append(out, *st)
	}
	workersMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
