package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Desk clients are not browsers; origin is not meaningful.
	},
}

// Handler serves websocket upgrades and the publish endpoint.
type Handler struct {
	hub    *Hub
	logger zerolog.Logger
}

// NewHandler creates a handler bound to hub.
func NewHandler(hub *Hub, logger zerolog.Logger) *Handler {
	return &Handler{hub: hub, logger: logger.With().Str("component", "relay.handler").Logger()}
}

// RegisterRoutes mounts GET /ws and POST /publish. publishMW guards the
// publish endpoint only.
func (h *Handler) RegisterRoutes(g *echo.Group, publishMW ...echo.MiddlewareFunc) {
	g.GET("/ws", h.HandleConnect)
	g.POST("/publish", h.HandlePublish, publishMW...)
}

// HandleConnect upgrades the request, registers the client, and starts its
// read and write pumps.
func (h *Handler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(uuid.New().String(), ws)
	h.hub.Register(client)
	h.logger.Debug().Str("client_id", client.ID).Str("remote_ip", c.RealIP()).Msg("client connected")

	go h.writePump(client)
	go h.readPump(client)

	return nil
}

func (h *Handler) readPump(client *Client) {
	defer func() {
		h.hub.Unregister(client)
		client.conn.Close()
		h.logger.Debug().Str("client_id", client.ID).Msg("client disconnected")
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.hub.SendError(client, "malformed control frame")
			continue
		}
		if err := h.hub.ProcessMessage(client, msg); err != nil {
			h.hub.SendError(client, err.Error())
		}
	}
}

func (h *Handler) writePump(client *Client) {
	defer client.conn.Close()

	for message := range client.Send {
		if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}

type publishResponse struct {
	Topic     string `json:"topic"`
	Delivered int    `json:"delivered"`
}

// HandlePublish accepts an Event from the backend and broadcasts it.
func (h *Handler) HandlePublish(c echo.Context) error {
	var ev Event
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if ev.Topic == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "topic is required")
	}
	if ev.Type == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "type is required")
	}
	if len(ev.Data) > 0 && !json.Valid(ev.Data) {
		return echo.NewHTTPError(http.StatusBadRequest, "data must be valid JSON")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	n := h.hub.Broadcast(ev.Topic, ev)
	return c.JSON(http.StatusAccepted, publishResponse{Topic: ev.Topic, Delivered: n})
}
