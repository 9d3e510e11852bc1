package feed

import (
	"sort"
	"sync"

	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
)

// View is an observer-side copy of the appointments matching a filter. It is
// built from a range query and kept current by applying feed events; an event
// whose version is not newer than what the view already saw is ignored, so
// redelivery is harmless.
type View struct {
	filter Filter

	mu       sync.RWMutex
	appts    map[string]model.Appointment
	versions map[string]int64
}

func NewView(filter Filter) *View {
	return &View{
		filter:   filter,
		appts:    make(map[string]model.Appointment),
		versions: make(map[string]int64),
	}
}

// Reset replaces the view with a fresh snapshot.
func (v *View) Reset(snapshot []model.Appointment) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.appts = make(map[string]model.Appointment, len(snapshot))
	v.versions = make(map[string]int64, len(snapshot))
	for _, a := range snapshot {
		v.versions[a.ID] = a.Version
		if v.filter.Includes(a) {
			v.appts[a.ID] = a
		}
	}
}

// Apply reports whether evt changed the view.
func (v *View) Apply(evt model.Event) bool {
	a := evt.Appointment
	v.mu.Lock()
	defer v.mu.Unlock()
	if seen, ok := v.versions[a.ID]; ok && a.Version <= seen {
		return false
	}
	v.versions[a.ID] = a.Version
	if v.filter.Includes(a) {
		v.appts[a.ID] = a
		return true
	}
	if _, ok := v.appts[a.ID]; ok {
		delete(v.appts, a.ID)
		return true
	}
	return false
}

func (v *View) Get(id string) (model.Appointment, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	a, ok := v.appts[id]
	return a, ok
}

func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.appts)
}

// Appointments returns the view ordered by scheduled time.
func (v *View) Appointments() []model.Appointment {
	v.mu.RLock()
	out := make([]model.Appointment, 0, len(v.appts))
	for _, a := range v.appts {
		out = append(out, a)
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
