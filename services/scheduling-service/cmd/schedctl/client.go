package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/md-rashed-zaman/apptschedule/libs/httpx"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
)

// apiError is a non-2xx reply from the scheduling service.
type apiError struct {
	Status int
	Body   httpx.ErrorBody
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("%s (%d): %s", e.Body.Code, e.Status, e.Body.Message)
	if e.Body.CurrentStatus != "" {
		msg += ", current status " + e.Body.CurrentStatus
	}
	if e.Body.Field != "" {
		msg += ", field " + e.Body.Field
	}
	return msg
}

type client struct {
	base         string
	practitioner string
	http         *http.Client
}

func newClient(base, practitioner string) *client {
	return &client{
		base:         strings.TrimRight(strings.TrimSpace(base), "/"),
		practitioner: strings.TrimSpace(practitioner),
		http:         &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(httpx.PractitionerHeader, c.practitioner)
	req.Header.Set(httpx.RequestIDHeader, httpx.NewRequestID())

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(raw, &apiErr.Body) != nil || apiErr.Body.Code == "" {
			apiErr.Body = httpx.ErrorBody{Code: "http", Message: strings.TrimSpace(string(raw))}
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *client) appointment(ctx context.Context, method, path string, body any) (model.Appointment, error) {
	var a model.Appointment
	err := c.do(ctx, method, path, body, &a)
	return a, err
}

func (c *client) list(ctx context.Context, path string, q url.Values) ([]model.Appointment, error) {
	var out struct {
		Appointments []model.Appointment `json:"appointments"`
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Appointments, err
}

func (c *client) audit(ctx context.Context, id string) ([]model.AuditRecord, error) {
	var out struct {
		Records []model.AuditRecord `json:"records"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/appointments/"+url.PathEscape(id)+"/audit", nil, &out)
	return out.Records, err
}

func (c *client) feedURL(q url.Values) string {
	base := c.base
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/v1/feed?" + q.Encode()
}
