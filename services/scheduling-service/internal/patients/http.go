package patients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/apperr"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPDirectory calls GET {baseURL}/patients/{id} on the profile service.
type HTTPDirectory struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPDirectory(baseURL, token string) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		http: &http.Client{
			Timeout:   3 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (d *HTTPDirectory) ResolvePatient(ctx context.Context, id string) (Patient, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/patients/"+url.PathEscape(id), nil)
	if err != nil {
		return Patient{}, err
	}
	req.Header.Set("Accept", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Patient{}, ctx.Err()
		}
		return Patient{}, unavailable(fmt.Errorf("patient directory: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Patient{}, apperr.NotFound("resolve_patient", "patient", id)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return Patient{}, unavailable(fmt.Errorf("patient directory returned %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Patient{}, fmt.Errorf("patient directory returned %d", resp.StatusCode)
	}

	var p Patient
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Patient{}, fmt.Errorf("decode patient: %w", err)
	}
	if p.ID == "" {
		p.ID = id
	}
	return p, nil
}

// unavailable marks a directory outage as retryable for the caller.
func unavailable(err error) error {
	e := apperr.Transient("resolve_patient", err)
	e.Message = "patient directory temporarily unavailable"
	return e
}
