// Package patients resolves patient references through an external directory.
package patients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/apperr"
)

type Patient struct {
	ID             string `json:"id"`
	DisplayName    string `json:"display_name"`
	Email          string `json:"email,omitempty"`
	Phone          string `json:"phone,omitempty"`
	PractitionerID string `json:"practitioner_id,omitempty"`
}

// Directory fails with an apperr NotFound error for unknown ids.
type Directory interface {
	ResolvePatient(ctx context.Context, id string) (Patient, error)
}

type StaticDirectory struct {
	mu       sync.RWMutex
	patients map[string]Patient
}

func NewStaticDirectory(patients ...Patient) *StaticDirectory {
	d := &StaticDirectory{patients: make(map[string]Patient, len(patients))}
	for _, p := range patients {
		d.Put(p)
	}
	return d
}

// LoadStaticDirectory reads a JSON array of patients.
func LoadStaticDirectory(r io.Reader) (*StaticDirectory, error) {
	var list []Patient
	if err := json.NewDecoder(r).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode patients: %w", err)
	}
	for i, p := range list {
		if strings.TrimSpace(p.ID) == "" {
			return nil, fmt.Errorf("patient %d has no id", i)
		}
	}
	return NewStaticDirectory(list...), nil
}

func (d *StaticDirectory) Put(p Patient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.patients[p.ID] = p
}

func (d *StaticDirectory) ResolvePatient(_ context.Context, id string) (Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.patients[strings.TrimSpace(id)]
	if !ok {
		return Patient{}, apperr.NotFound("resolve_patient", "patient", id)
	}
	return p, nil
}
