// Package backend is the HTTP client for the clinic scheduling REST API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/desk/internal/domain/scheduling"
)

const maxErrorBody = 64 << 10

// APIError is returned for any non-2xx response.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d: %s", e.Method, e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
}

// IsConflict reports whether the backend rejected the request because the
// slot is taken or the request no longer applies.
func (e *APIError) IsConflict() bool {
	return e.Status == http.StatusBadRequest || e.Status == http.StatusConflict
}

// AsAPIError unwraps err to an *APIError.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// CreateAppointmentRequest is the body of POST /api/appointments.
type CreateAppointmentRequest struct {
	PatientID    string `json:"patient_id"`
	DoctorID     string `json:"doctor_id"`
	ClinicID     string `json:"clinic_id"`
	BookingDate  string `json:"booking_date"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	PatientName  string `json:"patient_name,omitempty"`
	PatientPhone string `json:"patient_phone,omitempty"`
	PatientEmail string `json:"patient_email,omitempty"`
}

// RescheduleRequest is the body of PATCH /api/appointments/{id}/reschedule.
type RescheduleRequest struct {
	DoctorID    string `json:"doctor_id"`
	ClinicID    string `json:"clinic_id"`
	BookingDate string `json:"booking_date"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
}

// DateSlotsQuery selects the availability to fetch.
type DateSlotsQuery struct {
	ClinicID   string
	Speciality string
	DoctorIDs  []string
}

// Client talks to the scheduling API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout sets a per-request timeout on the default http.Client. Zero
// means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http = &http.Client{Timeout: d} }
}

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l.With().Str("component", "backend").Logger() }
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GPClinics lists general practice clinics.
func (c *Client) GPClinics(ctx context.Context, limit int) ([]scheduling.Clinic, error) {
	var out []scheduling.Clinic
	err := c.do(ctx, http.MethodGet, "/api/clinics/gp", limitQuery(limit), nil, &out)
	return out, err
}

// SpecialistClinics lists specialist clinics.
func (c *Client) SpecialistClinics(ctx context.Context, limit int) ([]scheduling.Clinic, error) {
	var out []scheduling.Clinic
	err := c.do(ctx, http.MethodGet, "/api/clinics/specialist", limitQuery(limit), nil, &out)
	return out, err
}

// Doctors lists the doctor directory.
func (c *Client) Doctors(ctx context.Context) ([]scheduling.Doctor, error) {
	var out []scheduling.Doctor
	err := c.do(ctx, http.MethodGet, "/api/doctors", nil, nil, &out)
	return out, err
}

// AvailableDateSlots fetches open windows grouped by date and doctor.
func (c *Client) AvailableDateSlots(ctx context.Context, q DateSlotsQuery) ([]scheduling.DateAvailability, error) {
	params := url.Values{}
	if q.ClinicID != "" {
		params.Set("clinicId", q.ClinicID)
	}
	if q.Speciality != "" {
		params.Set("speciality", q.Speciality)
	}
	for _, id := range q.DoctorIDs {
		params.Add("doctorId", id)
	}
	var out []scheduling.DateAvailability
	err := c.do(ctx, http.MethodGet, "/api/timeslots/available/dateslots", params, nil, &out)
	return out, err
}

// CreateAppointment books a slot.
func (c *Client) CreateAppointment(ctx context.Context, req CreateAppointmentRequest) (*scheduling.Appointment, error) {
	var out scheduling.Appointment
	if err := c.do(ctx, http.MethodPost, "/api/appointments", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RescheduleAppointment moves an appointment to a new slot.
func (c *Client) RescheduleAppointment(ctx context.Context, appointmentID string, req RescheduleRequest) (*scheduling.Appointment, error) {
	var out scheduling.Appointment
	path := "/api/appointments/" + url.PathEscape(appointmentID) + "/reschedule"
	if err := c.do(ctx, http.MethodPatch, path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateStatus sets the status of an appointment.
func (c *Client) UpdateStatus(ctx context.Context, appointmentID string, status scheduling.Status) (*scheduling.Appointment, error) {
	var out scheduling.Appointment
	path := "/api/appointments/" + url.PathEscape(appointmentID) + "/updateStatus/" + url.PathEscape(string(status))
	if err := c.do(ctx, http.MethodPatch, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpcomingAppointments lists upcoming appointments for a clinic.
func (c *Client) UpcomingAppointments(ctx context.Context, clinicID string) ([]scheduling.Appointment, error) {
	var out []scheduling.Appointment
	err := c.do(ctx, http.MethodGet, "/api/appointments/upcoming", url.Values{"clinicId": {clinicID}}, nil, &out)
	return out, err
}

// ListAppointments lists a clinic's appointments on date (YYYY-MM-DD).
func (c *Client) ListAppointments(ctx context.Context, clinicID, date string) ([]scheduling.Appointment, error) {
	var out []scheduling.Appointment
	params := url.Values{"clinicId": {clinicID}, "date": {date}}
	err := c.do(ctx, http.MethodGet, "/api/appointments", params, nil, &out)
	return out, err
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": {strconv.Itoa(limit)}}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("backend request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			Method:  method,
			Path:    path,
			Status:  resp.StatusCode,
			Message: errorMessage(resp.Body),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func errorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return ""
	}
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		return parsed.Error
	}
	return ""
}
