package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/clinic/desk/internal/domain/scheduling"
	"github.com/clinic/desk/internal/platform/auth"
	"github.com/clinic/desk/internal/platform/backend"
	"github.com/clinic/desk/internal/platform/middleware"
	"github.com/clinic/desk/internal/platform/telemetry"
	"github.com/clinic/desk/internal/platform/websocket"
)

// SlotTakenMessage is the 409 message for a double booking.
const SlotTakenMessage = "This slot has already been booked. Please choose another time."

// Config configures the sandbox server.
type Config struct {
	// Seed defaults to DefaultSeed when it has no clinics.
	Seed        Seed
	HorizonDays int
	Location    *time.Location
	// CORSOrigins defaults to "*".
	CORSOrigins []string
	Now         func() time.Time
	NewID       func() string
}

// Server is the sandbox's echo server, store and push hub.
type Server struct {
	Echo  *echo.Echo
	Hub   *websocket.Hub
	Store *Store

	logger zerolog.Logger
}

// NewServer builds the sandbox with the REST API under /api and the push
// hub at /ws.
func NewServer(cfg Config, logger zerolog.Logger, metrics *telemetry.Metrics) (*Server, error) {
	logger = logger.With().Str("component", "sandbox").Logger()

	seed := cfg.Seed
	if len(seed.Clinics) == 0 {
		seed = DefaultSeed()
	}
	if cfg.HorizonDays == 0 {
		cfg.HorizonDays = 56
	}
	var opts []StoreOption
	if cfg.Now != nil {
		opts = append(opts, WithClock(cfg.Now))
	}
	if cfg.NewID != nil {
		opts = append(opts, WithIDs(cfg.NewID))
	}
	store, err := NewStore(seed, cfg.HorizonDays, cfg.Location, opts...)
	if err != nil {
		return nil, err
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLogger(logger, "/healthz", "/ws"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	hub := websocket.NewHub(logger, metrics)
	websocket.NewHandler(hub, logger).RegisterRoutes(e.Group(""))

	h := &Handler{store: store, publisher: hub, logger: logger}
	api := e.Group("/api")
	api.Use(middleware.BodyLimit("64K"))
	h.RegisterRoutes(api)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"clients": hub.ClientCount(),
		})
	})

	return &Server{Echo: e, Hub: hub, Store: store, logger: logger}, nil
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("starting sandbox")
	if err := s.Echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down sandbox")
	return s.Echo.Shutdown(ctx)
}

// Handler serves the scheduling REST API over a Store.
type Handler struct {
	store     *Store
	publisher websocket.EventPublisher
	logger    zerolog.Logger
}

// RegisterRoutes registers the scheduling routes on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/clinics/gp", h.ListGPClinics)
	g.GET("/clinics/specialist", h.ListSpecialistClinics)
	g.GET("/doctors", h.ListDoctors)
	g.GET("/timeslots/available/dateslots", h.AvailableDateSlots)
	g.POST("/appointments", h.CreateAppointment)
	g.GET("/appointments", h.ListAppointments)
	g.GET("/appointments/upcoming", h.UpcomingAppointments)
	g.PATCH("/appointments/:id/reschedule", h.RescheduleAppointment)
	g.PATCH("/appointments/:id/updateStatus/:status", h.UpdateStatus)
}

// ListGPClinics handles GET /api/clinics/gp.
func (h *Handler) ListGPClinics(c echo.Context) error {
	return h.listClinics(c, scheduling.ClinicTypeGeneralPractice)
}

// ListSpecialistClinics handles GET /api/clinics/specialist.
func (h *Handler) ListSpecialistClinics(c echo.Context) error {
	return h.listClinics(c, scheduling.ClinicTypeSpecialist)
}

func (h *Handler) listClinics(c echo.Context, t scheduling.ClinicType) error {
	limit := 0
	if l := c.QueryParam("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = parsed
	}
	return c.JSON(http.StatusOK, h.store.Clinics(t, limit))
}

// ListDoctors handles GET /api/doctors.
func (h *Handler) ListDoctors(c echo.Context) error {
	return c.JSON(http.StatusOK, h.store.Doctors())
}

// AvailableDateSlots handles GET /api/timeslots/available/dateslots.
func (h *Handler) AvailableDateSlots(c echo.Context) error {
	slots := h.store.DateSlots(
		c.QueryParam("clinicId"),
		c.QueryParam("speciality"),
		c.QueryParams()["doctorId"],
	)
	return c.JSON(http.StatusOK, slots)
}

// CreateAppointment handles POST /api/appointments. A request without a
// patient_id books for the patient named in the bearer token.
func (h *Handler) CreateAppointment(c echo.Context) error {
	var req backend.CreateAppointmentRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}
	if req.PatientID == "" {
		if bearer := c.Request().Header.Get(echo.HeaderAuthorization); bearer != "" {
			id, err := auth.IdentityFromToken(bearer, h.store.now())
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}
			req.PatientID, _ = id.Patient()
		}
	}

	appt, err := h.store.Create(req)
	if err != nil {
		return httpError(err)
	}
	h.publishSlot(c.Request().Context(), appt, scheduling.SlotRemove)
	return c.JSON(http.StatusCreated, appt)
}

// RescheduleAppointment handles PATCH /api/appointments/:id/reschedule.
func (h *Handler) RescheduleAppointment(c echo.Context) error {
	var req backend.RescheduleRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}

	appt, prev, err := h.store.Reschedule(c.Param("id"), req)
	if err != nil {
		return httpError(err)
	}
	ctx := c.Request().Context()
	if slotOf(prev) != slotOf(appt) {
		h.publishSlot(ctx, prev, scheduling.SlotAdd)
		h.publishSlot(ctx, appt, scheduling.SlotRemove)
	}
	return c.JSON(http.StatusOK, appt)
}

// UpdateStatus handles PATCH /api/appointments/:id/updateStatus/:status.
func (h *Handler) UpdateStatus(c echo.Context) error {
	status, err := scheduling.ParseStatus(c.Param("status"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	appt, err := h.store.UpdateStatus(c.Param("id"), status)
	if err != nil {
		return httpError(err)
	}
	h.publish(c.Request().Context(), websocket.Event{
		Type:         websocket.EventStatusChanged,
		Topic:        scheduling.TopicAppointmentStatus,
		ResourceType: "Appointment",
		ResourceID:   appt.AppointmentID,
	}, scheduling.StatusEvent{AppointmentID: appt.AppointmentID, ClinicID: appt.ClinicID, Status: appt.Status})
	return c.JSON(http.StatusOK, appt)
}

// UpcomingAppointments handles GET /api/appointments/upcoming.
func (h *Handler) UpcomingAppointments(c echo.Context) error {
	clinicID := c.QueryParam("clinicId")
	if clinicID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "clinicId is required")
	}
	return c.JSON(http.StatusOK, h.store.Upcoming(clinicID))
}

// ListAppointments handles GET /api/appointments.
func (h *Handler) ListAppointments(c echo.Context) error {
	clinicID := c.QueryParam("clinicId")
	date := c.QueryParam("date")
	if clinicID == "" || date == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "clinicId and date are required")
	}
	if _, err := scheduling.ParseDate(date, h.store.loc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, h.store.List(clinicID, date))
}

func (h *Handler) publishSlot(ctx context.Context, appt scheduling.Appointment, action scheduling.SlotAction) {
	typ := websocket.EventSlotRemoved
	if action == scheduling.SlotAdd {
		typ = websocket.EventSlotAdded
	}
	h.publish(ctx, websocket.Event{
		Type:         typ,
		Topic:        scheduling.TopicSlots,
		ResourceType: "Slot",
		ResourceID:   appt.DoctorID + "/" + appt.BookingDate + "/" + appt.StartTime,
	}, scheduling.SlotEvent{
		Date:      appt.BookingDate,
		StartTime: appt.StartTime,
		EndTime:   appt.EndTime,
		DoctorID:  appt.DoctorID,
		ClinicID:  appt.ClinicID,
		Action:    action,
	})
}

func (h *Handler) publish(ctx context.Context, ev websocket.Event, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", ev.Topic).Msg("failed to encode event")
		return
	}
	ev.Data = data
	ev.Timestamp = h.store.now().UTC()
	if err := h.publisher.Publish(ctx, ev); err != nil {
		h.logger.Warn().Err(err).Str("topic", ev.Topic).Msg("publish failed")
	}
}

func slotOf(a scheduling.Appointment) slotKey {
	return slotKey{a.DoctorID, a.BookingDate, a.StartTime}
}

func bindError(err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge {
		return he
	}
	return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrSlotTaken):
		return echo.NewHTTPError(http.StatusConflict, SlotTakenMessage)
	case errors.Is(err, ErrNotBookable), errors.Is(err, ErrPastSlot), errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, capitalize(err.Error()))
	case errors.Is(err, ErrAppointmentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrClinicNotFound), errors.Is(err, ErrDoctorNotFound):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
