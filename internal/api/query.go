package api

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/basekick-labs/pprzlog/internal/series"
	"github.com/basekick-labs/pprzlog/internal/session"
	"github.com/basekick-labs/pprzlog/pkg/models"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

const mimeMsgpack = "application/msgpack"

// Querier is the read side of a loaded session.
type Querier interface {
	Info() session.Info
	Vehicles() ([]int, error)
	Messages() ([]*models.MessageType, error)
	MessageType(name string) (*models.MessageType, error)
	SearchMessages(query string) ([]string, error)
	VehicleMessages(vehicleID int) ([]session.MessageCount, error)
	Series(ctx context.Context, vehicleID int, message, field string) ([]float64, error)
	MessageSeries(ctx context.Context, vehicleID int, message string) (map[string][]float64, error)
	ExportTable(ctx context.Context, vehicleID int, message string) (string, error)
}

// Values is a numeric series. Non-finite values are rendered as JSON null.
type Values []float64

// MarshalJSON implements json.Marshaler.
func (v Values) MarshalJSON() ([]byte, error) {
	if v == nil {
		return []byte("[]"), nil
	}
	b := make([]byte, 0, 2+len(v)*8)
	b = append(b, '[')
	for i, f := range v {
		if i > 0 {
			b = append(b, ',')
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			b = append(b, "null"...)
			continue
		}
		b = strconv.AppendFloat(b, f, 'g', -1, 64)
	}
	return append(b, ']'), nil
}

// MessageInfo describes a registered message type.
type MessageInfo struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
}

// MessageListResponse is the response for listing or searching messages
type MessageListResponse struct {
	Query    string        `json:"query,omitempty"`
	Messages []MessageInfo `json:"messages"`
	Count    int           `json:"count"`
}

// VehicleListResponse is the response for listing vehicles
type VehicleListResponse struct {
	Vehicles []int `json:"vehicles"`
	Count    int   `json:"count"`
}

// VehicleMessagesResponse lists the messages one vehicle logged
type VehicleMessagesResponse struct {
	Vehicle  int                    `json:"vehicle"`
	Messages []session.MessageCount `json:"messages"`
	Count    int                    `json:"count"`
}

// SeriesResponse carries the numeric series of one field
type SeriesResponse struct {
	Vehicle int    `json:"vehicle"`
	Message string `json:"message"`
	Field   string `json:"field"`
	Count   int    `json:"count"`
	Values  Values `json:"values"`
}

// MessageSeriesResponse carries every field series of one message
type MessageSeriesResponse struct {
	Vehicle int               `json:"vehicle"`
	Message string            `json:"message"`
	Count   int               `json:"count"`
	Fields  map[string]Values `json:"fields"`
}

// ExportResponse reports where a table was written
type ExportResponse struct {
	Vehicle  int    `json:"vehicle"`
	Message  string `json:"message"`
	Location string `json:"location"`
}

// ErrorResponse is the body of every failed query
type ErrorResponse struct {
	Error  string `json:"error"`
	Record *int   `json:"record,omitempty"`
	Value  string `json:"value,omitempty"`
}

// QueryHandler serves the read-only query API over a session
type QueryHandler struct {
	q      Querier
	logger zerolog.Logger
}

// NewQueryHandler creates a new query handler
func NewQueryHandler(q Querier, logger zerolog.Logger) *QueryHandler {
	return &QueryHandler{
		q:      q,
		logger: logger.With().Str("component", "query-handler").Logger(),
	}
}

// RegisterRoutes registers the query routes
func (h *QueryHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/api/v1/session", h.handleSession)
	app.Get("/api/v1/vehicles", h.handleVehicles)
	app.Get("/api/v1/vehicles/:id/messages", h.handleVehicleMessages)
	app.Get("/api/v1/messages", h.handleMessages)
	app.Get("/api/v1/messages/:name", h.handleMessage)
	app.Get("/api/v1/series/:vehicle/:message", h.handleMessageSeries)
	app.Get("/api/v1/series/:vehicle/:message/:field", h.handleSeries)
	app.Post("/api/v1/export/:vehicle/:message", h.handleExport)
}

func (h *QueryHandler) handleSession(c *fiber.Ctx) error {
	return respond(c, fiber.StatusOK, h.q.Info())
}

func (h *QueryHandler) handleVehicles(c *fiber.Ctx) error {
	vehicles, err := h.q.Vehicles()
	if err != nil {
		return h.fail(c, err)
	}
	return respond(c, fiber.StatusOK, VehicleListResponse{Vehicles: vehicles, Count: len(vehicles)})
}

func (h *QueryHandler) handleVehicleMessages(c *fiber.Ctx) error {
	id, err := vehicleParam(c, "id")
	if err != nil {
		return badRequest(c, err)
	}
	counts, err := h.q.VehicleMessages(id)
	if err != nil {
		return h.fail(c, err)
	}
	return respond(c, fiber.StatusOK, VehicleMessagesResponse{Vehicle: id, Messages: counts, Count: len(counts)})
}

func (h *QueryHandler) handleMessages(c *fiber.Ctx) error {
	query := strings.TrimSpace(c.Query("q"))

	var types []*models.MessageType
	if query == "" {
		all, err := h.q.Messages()
		if err != nil {
			return h.fail(c, err)
		}
		types = all
	} else {
		names, err := h.q.SearchMessages(query)
		if err != nil {
			return h.fail(c, err)
		}
		for _, n := range names {
			mt, err := h.q.MessageType(n)
			if err != nil {
				return h.fail(c, err)
			}
			types = append(types, mt)
		}
	}

	infos := make([]MessageInfo, len(types))
	for i, mt := range types {
		infos[i] = MessageInfo{Name: mt.Name(), Fields: mt.Fields()}
	}
	return respond(c, fiber.StatusOK, MessageListResponse{Query: query, Messages: infos, Count: len(infos)})
}

func (h *QueryHandler) handleMessage(c *fiber.Ctx) error {
	mt, err := h.q.MessageType(c.Params("name"))
	if err != nil {
		return h.fail(c, err)
	}
	return respond(c, fiber.StatusOK, MessageInfo{Name: mt.Name(), Fields: mt.Fields()})
}

func (h *QueryHandler) handleSeries(c *fiber.Ctx) error {
	vehicle, err := vehicleParam(c, "vehicle")
	if err != nil {
		return badRequest(c, err)
	}
	message, field := c.Params("message"), c.Params("field")

	vals, err := h.q.Series(c.UserContext(), vehicle, message, field)
	if err != nil {
		return h.fail(c, err)
	}
	return respond(c, fiber.StatusOK, SeriesResponse{
		Vehicle: vehicle,
		Message: message,
		Field:   field,
		Count:   len(vals),
		Values:  vals,
	})
}

func (h *QueryHandler) handleMessageSeries(c *fiber.Ctx) error {
	vehicle, err := vehicleParam(c, "vehicle")
	if err != nil {
		return badRequest(c, err)
	}
	message := c.Params("message")

	all, err := h.q.MessageSeries(c.UserContext(), vehicle, message)
	if err != nil {
		return h.fail(c, err)
	}

	fields := make(map[string]Values, len(all))
	count := 0
	for name, vals := range all {
		fields[name] = vals
		count = len(vals)
	}
	return respond(c, fiber.StatusOK, MessageSeriesResponse{
		Vehicle: vehicle,
		Message: message,
		Count:   count,
		Fields:  fields,
	})
}

func (h *QueryHandler) handleExport(c *fiber.Ctx) error {
	vehicle, err := vehicleParam(c, "vehicle")
	if err != nil {
		return badRequest(c, err)
	}
	message := c.Params("message")

	loc, err := h.q.ExportTable(c.UserContext(), vehicle, message)
	if err != nil {
		return h.fail(c, err)
	}
	return respond(c, fiber.StatusCreated, ExportResponse{Vehicle: vehicle, Message: message, Location: loc})
}

// fail maps a query error to its status code.
func (h *QueryHandler) fail(c *fiber.Ctx, err error) error {
	status := errorStatus(err)
	body := ErrorResponse{Error: err.Error()}

	var ce *series.FieldCoercionError
	if errors.As(err, &ce) {
		rec := ce.Record
		body.Record = &rec
		body.Value = ce.Value
	}

	if status >= fiber.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("Query failed")
	}
	return respond(c, status, body)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotReady):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, series.ErrUnknownSeries):
		return fiber.StatusNotFound
	case errors.Is(err, series.ErrFieldCoercion):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

func badRequest(c *fiber.Ctx, err error) error {
	return respond(c, fiber.StatusBadRequest, ErrorResponse{Error: err.Error()})
}

func vehicleParam(c *fiber.Ctx, name string) (int, error) {
	raw := c.Params(name)
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("invalid vehicle id " + strconv.Quote(raw))
	}
	return id, nil
}

// respond writes v as MessagePack when the client accepts it, JSON otherwise.
func respond(c *fiber.Ctx, status int, v interface{}) error {
	if !strings.Contains(c.Get(fiber.HeaderAccept), mimeMsgpack) {
		return c.Status(status).JSON(v)
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, mimeMsgpack)
	return c.Status(status).Send(buf.Bytes())
}
