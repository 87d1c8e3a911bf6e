package scheduler

import (
	"sort"
	"time"
)

// TriggerStatus is a point-in-time view of one registered trigger.
type TriggerStatus struct {
	Name        string
	Spec        string
	Pausable    bool
	Paused      bool
	Disabled    bool
	Running     bool
	Runs        int
	Skips       int
	ConsecFails int
	LastStarted time.Time
	LastError   string
	NextRun     time.Time
}

// Snapshot reports all triggers sorted by name.
func (s *Scheduler) Snapshot() []TriggerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TriggerStatus, 0, len(s.triggers))
	for name, st := range s.triggers {
		ts := TriggerStatus{
			Name:        name,
			Spec:        st.def.Spec,
			Pausable:    st.def.Pausable,
			Paused:      st.paused,
			Disabled:    st.disabled,
			Running:     st.running,
			Runs:        st.runs,
			Skips:       st.skips,
			ConsecFails: st.consecFails,
			LastStarted: st.lastStarted,
			LastError:   st.lastError,
		}
		if s.c != nil {
			ts.NextRun = s.c.Entry(st.entry).Next
		}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
