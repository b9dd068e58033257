// Package protocol serves the node's JSON request/response protocol
// over WebSocket text frames.
//
// A request names its sender, a correlation id and a type:
//
//	{"from":"AI_server","to":"esp32_sensors","id":7,"type":"ch2o"}
//
// Only requests from the trusted peer are answered. Anything else
// (malformed JSON, another sender, an unknown type) is dropped without a
// reply; peers apply their own timeouts.
package protocol

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nugget/sensorgate/internal/config"
	"github.com/nugget/sensorgate/internal/metrics"
	"github.com/nugget/sensorgate/internal/sensor"
	"github.com/nugget/sensorgate/internal/wsserver"
)

const (
	// TrustedPeer is the only sender whose requests are served.
	TrustedPeer = "AI_server"
	// NodeName is the sender name on every response.
	NodeName = "esp32_sensors"

	TypeClimate = "humidity_temperature"
	TypeGas     = "ch2o"

	// DefaultMaxFrame is the largest request accepted, in bytes.
	DefaultMaxFrame = 512
)

// Request is an inbound message. ID is kept raw so it is echoed exactly
// as sent, whatever its JSON type.
type Request struct {
	From string          `json:"from"`
	To   string          `json:"to"`
	ID   json.RawMessage `json:"id"`
	Type string          `json:"type"`
}

// ClimateResponse answers a humidity_temperature request. A nil value
// means the transducer produced no valid reading and is sent as null.
type ClimateResponse struct {
	From        string          `json:"from"`
	To          string          `json:"to"`
	ID          json.RawMessage `json:"id"`
	Type        string          `json:"type"`
	Temperature *float64        `json:"temperature"`
	Humidity    *float64        `json:"humidity"`
}

// GasResponse answers a ch2o request.
type GasResponse struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	ID      json.RawMessage `json:"id"`
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	PPB     uint16          `json:"ppb"`
	Mgm3    float64         `json:"mgm3"`
}

// Transport sends frames back to a connection.
type Transport interface {
	CanSend(id wsserver.ClientID) bool
	Text(id wsserver.ClientID, payload []byte) error
}

// ClimateReader is the temperature/humidity facade.
type ClimateReader interface {
	Read(ctx context.Context) (temperature, humidity sensor.Reading)
}

// GasReader is the gas-concentration facade.
type GasReader interface {
	Read(ctx context.Context) sensor.GasReading
}

// Options configures a Handler.
type Options struct {
	Climate   ClimateReader
	Gas       GasReader
	Transport Transport
	MaxFrame  int
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Handler turns request frames into sensor reads and responses. It holds
// no per-client state.
type Handler struct {
	climate   ClimateReader
	gas       GasReader
	transport Transport
	maxFrame  int
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a Handler.
func New(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxFrame <= 0 {
		opts.MaxFrame = DefaultMaxFrame
	}
	return &Handler{
		climate:   opts.Climate,
		gas:       opts.Gas,
		transport: opts.Transport,
		maxFrame:  opts.MaxFrame,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
}

// HandleFrame processes one inbound frame from id. At most one response
// is sent, on the same connection.
func (h *Handler) HandleFrame(ctx context.Context, id wsserver.ClientID, f wsserver.Frame) {
	if !f.Text {
		h.metrics.Frame(metrics.FrameBinary)
		return
	}
	if len(f.Data) > h.maxFrame {
		h.logger.Debug("oversized frame dropped", "client_id", id, "bytes", len(f.Data), "limit", h.maxFrame)
		h.metrics.Frame(metrics.FrameOversize)
		return
	}
	h.logger.Log(ctx, config.LevelTrace, "websocket frame received", "client_id", id, "payload", string(f.Data))

	var req Request
	if err := json.Unmarshal(f.Data, &req); err != nil {
		h.logger.Debug("request parse failed", "client_id", id, "error", err)
		h.metrics.Frame(metrics.FrameMalformed)
		return
	}
	if req.From != TrustedPeer {
		h.metrics.Frame(metrics.FrameUntrusted)
		return
	}
	if req.Type != TypeClimate && req.Type != TypeGas {
		h.metrics.Frame(metrics.FrameUnknown)
		return
	}
	if !h.transport.CanSend(id) {
		h.logger.Debug("client not ready to receive, request skipped", "client_id", id, "type", req.Type)
		h.metrics.Frame(metrics.FrameUnwritable)
		return
	}

	var resp any
	switch req.Type {
	case TypeClimate:
		resp = h.climateResponse(ctx, req)
	case TypeGas:
		resp = h.gasResponse(ctx, req)
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("response encoding failed", "client_id", id, "type", req.Type, "error", err)
		h.metrics.Frame(metrics.FrameSendFailed)
		return
	}
	if err := h.transport.Text(id, payload); err != nil {
		h.logger.Warn("response not sent", "client_id", id, "type", req.Type, "error", err)
		h.metrics.Frame(metrics.FrameSendFailed)
		return
	}
	h.logger.Log(ctx, config.LevelTrace, "websocket response sent", "client_id", id, "payload", string(payload))
	h.metrics.Frame(metrics.FrameHandled)
}

func (h *Handler) climateResponse(ctx context.Context, req Request) ClimateResponse {
	temp, hum := h.climate.Read(ctx)
	h.metrics.SensorRead("temperature", temp.Valid)
	h.metrics.SensorRead("humidity", hum.Valid)
	return ClimateResponse{
		From:        NodeName,
		To:          TrustedPeer,
		ID:          req.ID,
		Type:        TypeClimate,
		Temperature: valuePtr(temp),
		Humidity:    valuePtr(hum),
	}
}

func (h *Handler) gasResponse(ctx context.Context, req Request) GasResponse {
	r := h.gas.Read(ctx)
	h.metrics.SensorRead("ch2o", r.Success)
	return GasResponse{
		From:    NodeName,
		To:      TrustedPeer,
		ID:      req.ID,
		Type:    TypeGas,
		Success: r.Success,
		PPB:     r.PPB,
		Mgm3:    r.MassConcentration,
	}
}

func valuePtr(r sensor.Reading) *float64 {
	if !r.Valid {
		return nil
	}
	v := r.Value
	return &v
}
