// Package webhook implements C12, the thin HTTP surface translating
// inbound TradingView alerts into calls on the Signal Pipeline (spec.md §6,
// SPEC_FULL.md §2/§4.0). It owns no business logic: parsing the payload
// lexicon into a models.Signal and formatting the pipeline's Result back
// into the documented {success, message} envelope is all it does.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/futures-gateway/internal/broker"
	"github.com/eddiefleurent/futures-gateway/internal/models"
	"github.com/eddiefleurent/futures-gateway/internal/pipeline"
)

// Processor is the subset of pipeline.Pipeline the server depends on,
// letting tests substitute a stub without constructing the whole gateway.
type Processor interface {
	Process(ctx context.Context, sig models.Signal) ([]pipeline.Result, error)
}

// PushDeliverer is implemented by broker.TXClient: the TX broker's
// order-event push callback is delivered over a local HTTP endpoint rather
// than an in-process SDK callback, since the gateway has no TX broker
// process resident in Go (spec §4.2's "broker invokes with (state, deal,
// order)" channel, realized as a localhost-only HTTP delivery endpoint).
type PushDeliverer interface {
	DeliverPushEvent(ev broker.OrderEvent)
}

// Config carries the webhook server's listen address and optional
// shared-secret check (spec §4.0 WebhookConfig).
type Config struct {
	ListenAddr string
	SharedKey  string // if set, required as header X-Shared-Key on every route except /health
}

// Server is the gin-based webhook receiver (spec §6, SPEC_FULL.md C12).
type Server struct {
	engine   *gin.Engine
	http     *http.Server
	pipeline Processor
	txPush   PushDeliverer // nil if TX is disabled
	cfg      Config
	logger   *logrus.Logger
}

// New constructs a Server. txPush may be nil if TX is disabled, in which
// case /tx/order-callback responds 404.
func New(cfg Config, pipeline Processor, txPush PushDeliverer, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:   engine,
		pipeline: pipeline,
		txPush:   txPush,
		cfg:      cfg,
		logger:   logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.Use(s.requestLogger())
	group := s.engine.Group("/")
	if s.cfg.SharedKey != "" {
		group.Use(s.sharedKeyAuth())
	}
	group.POST("/webhook", s.handleAutoWebhook)
	group.POST("/webhook/btc", s.handleBTCWebhook)
	if s.txPush != nil {
		group.POST("/tx/order-callback", s.handleTXCallback)
	}
	s.engine.GET("/health", s.handleHealth)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Info("webhook request")
	}
}

func (s *Server) sharedKeyAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Shared-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.SharedKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "unauthorized"})
			return
		}
		c.Next()
	}
}

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.engine,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Infof("webhook server listening on %s", s.cfg.ListenAddr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().Unix()})
}

// rawPayload captures every field either market's webhook may send, parsed
// once and then routed to the TX or BTC branch. On /webhook only a
// non-empty "symbol" routes to BTC; the action value is not inspected for
// routing, so a BTC-style action without a symbol goes to TX.
type rawPayload struct {
	TradeID   string          `json:"tradeId"`
	Type      string          `json:"type"`
	Direction string          `json:"direction"`
	Action    string          `json:"action"`
	TXF       int             `json:"txf"`
	MXF       int             `json:"mxf"`
	TMF       int             `json:"tmf"`
	Symbol    string          `json:"symbol"`
	Quantity  float64         `json:"quantity"`
	Price     float64         `json:"price"`
	Time      json.RawMessage `json:"time"`
	Message   string          `json:"message"`
}

func (s *Server) handleAutoWebhook(c *gin.Context) {
	raw, err := decodeRaw(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	if strings.TrimSpace(raw.Symbol) != "" {
		s.processAndRespond(c, btcSignal(raw))
		return
	}
	s.processAndRespond(c, txSignal(raw))
}

func (s *Server) handleBTCWebhook(c *gin.Context) {
	raw, err := decodeRaw(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	s.processAndRespond(c, btcSignal(raw))
}

func decodeRaw(c *gin.Context) (rawPayload, error) {
	var raw rawPayload
	dec := json.NewDecoder(c.Request.Body)
	if err := dec.Decode(&raw); err != nil {
		return rawPayload{}, fmt.Errorf("unparseable payload: %w", err)
	}
	return raw, nil
}

func txSignal(raw rawPayload) models.Signal {
	return models.Signal{
		TradeID:      tradeIDOrSynthesize(raw),
		Market:       models.MarketTX,
		Type:         signalType(raw.Type),
		RawDirection: firstNonEmpty(raw.Direction, raw.Action),
		RawMessage:   raw.Message,
		TX:           models.TXQuantities{TXF: raw.TXF, MXF: raw.MXF, TMF: raw.TMF},
		Price:        raw.Price,
		Time:         parseTime(raw.Time),
	}
}

func btcSignal(raw rawPayload) models.Signal {
	return models.Signal{
		TradeID:      tradeIDOrSynthesize(raw),
		Market:       models.MarketBTC,
		Type:         signalType(raw.Type),
		RawDirection: firstNonEmpty(raw.Action, raw.Direction),
		RawMessage:   raw.Message,
		Symbol:       raw.Symbol,
		Quantity:     raw.Quantity,
		Price:        raw.Price,
		Time:         parseTime(raw.Time),
	}
}

// tradeIDOrSynthesize falls back to a content hash when the upstream
// alert omits tradeId, which spec.md §6's BTC payload example does not
// list (unlike the TX payload). Without a stable key dedup (spec §4.5
// step 1) cannot function for such alerts, so one is derived instead of
// skipping dedup outright — recorded as an Open Question resolution in
// DESIGN.md.
func tradeIDOrSynthesize(raw rawPayload) string {
	if strings.TrimSpace(raw.TradeID) != "" {
		return raw.TradeID
	}
	return fmt.Sprintf("synth:%s:%s:%s:%.4f", raw.Symbol, raw.Direction, raw.Action, raw.Price)
}

func signalType(t string) models.SignalType {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "exit", "close":
		return models.SignalExit
	default:
		return models.SignalEntry
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// parseTime accepts either an RFC3339 string or a Unix-millisecond number,
// since TradingView alert templates commonly emit either. A missing or
// unparseable value yields the zero time, letting the pipeline fall back
// to wall-clock "now" for the calendar gate (spec §4.5 step 2).
func parseTime(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if t, err := time.Parse(time.RFC3339, asString); err == nil {
			return t
		}
		if ms, err := strconv.ParseInt(asString, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
		return time.Time{}
	}
	var asNumber int64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return time.UnixMilli(asNumber)
	}
	return time.Time{}
}

func (s *Server) processAndRespond(c *gin.Context, sig models.Signal) {
	results, err := s.pipeline.Process(c.Request.Context(), sig)
	if err != nil {
		s.logger.WithError(err).Error("pipeline processing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": summarize(results)})
}

func summarize(results []pipeline.Result) string {
	if len(results) == 0 {
		return "no action"
	}
	if len(results) == 1 {
		return singleMessage(results[0])
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("%s: %s", r.Family, singleMessage(r)))
	}
	return strings.Join(parts, "; ")
}

func singleMessage(r pipeline.Result) string {
	if r.Accepted {
		return "processed"
	}
	return r.Message
}

// txOrderCallbackPayload is the broker-pushed order-event shape delivered
// to /tx/order-callback (spec §4.2/§4.6's push-callback delivery, realized
// as a localhost HTTP endpoint since no in-process TX SDK exists here).
type txOrderCallbackPayload struct {
	OrderID      string  `json:"order_id"`
	State        string  `json:"state"`
	FillPrice    float64 `json:"fill_price"`
	FillQuantity float64 `json:"fill_quantity"`
	FailReason   string  `json:"fail_reason"`
}

func (s *Server) handleTXCallback(c *gin.Context) {
	var payload txOrderCallbackPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "unparseable callback"})
		return
	}
	s.txPush.DeliverPushEvent(broker.OrderEvent{
		OrderID:      payload.OrderID,
		State:        models.OrderState(payload.State),
		FillPrice:    payload.FillPrice,
		FillQuantity: payload.FillQuantity,
		FailReason:   payload.FailReason,
		At:           time.Now(),
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "accepted"})
}
