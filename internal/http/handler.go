package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"parking-service/internal/config"
	"parking-service/internal/detectionlog"
	"parking-service/internal/domain/parking"
	"parking-service/internal/metrics"
	"parking-service/internal/recognizer"
	"parking-service/internal/relay"
	"parking-service/internal/service"
	"parking-service/internal/storage"
)

// ImageReader serves stored detection and session images.
type ImageReader interface {
	Get(ctx context.Context, ref string) (*storage.Image, error)
}

// PlateRecognizer turns an image into a plate reading.
type PlateRecognizer interface {
	Recognize(ctx context.Context, image []byte) (*recognizer.Result, error)
}

// BarrierStats reports delivered and failed gate commands.
type BarrierStats interface {
	Stats() (sent, failed int64)
}

type Handler struct {
	sessions   *service.SessionService
	detections *detectionlog.Log
	relay      *relay.Relay
	images     ImageReader
	recognizer PlateRecognizer
	barrier    BarrierStats
	hub        *Hub
	metrics    *metrics.Metrics
	cfg        *config.Config
	log        zerolog.Logger
}

type Deps struct {
	Sessions   *service.SessionService
	Detections *detectionlog.Log
	Relay      *relay.Relay
	Images     ImageReader
	Recognizer PlateRecognizer // nil when recognition is disabled
	Barrier    BarrierStats    // nil when no broker is configured
	Hub        *Hub
	Metrics    *metrics.Metrics
}

func NewHandler(deps Deps, cfg *config.Config, log zerolog.Logger) *Handler {
	return &Handler{
		sessions:   deps.Sessions,
		detections: deps.Detections,
		relay:      deps.Relay,
		images:     deps.Images,
		recognizer: deps.Recognizer,
		barrier:    deps.Barrier,
		hub:        deps.Hub,
		metrics:    deps.Metrics,
		cfg:        cfg,
		log:        log.With().Str("component", "handler").Logger(),
	}
}

func (h *Handler) Register(r *gin.Engine, operatorAuth gin.HandlerFunc) {
	r.GET("/healthz", h.health)
	r.GET("/media/:ref", h.media)
	r.GET("/ws", h.hub.ServeWS)

	// Camera side
	r.POST("/api/stream/:source", h.publishFrame)
	r.GET("/video_feed/:source", h.streamFrames)

	public := r.Group("/api/v1")
	{
		public.POST("/detections", h.createDetection)
		public.POST("/detections/recognize", h.recognizeDetection)
		public.GET("/detections/latest", h.latestDetections)
		public.GET("/frames/sources", h.listSources)
		public.GET("/sessions/active", h.activeSessions)
		public.GET("/sessions/unpaid", h.unpaidSessions)
		public.GET("/sessions/history", h.sessionHistory)
		public.GET("/sessions/:id", h.getSession)
	}

	operator := r.Group("/api/v1")
	operator.Use(operatorAuth)
	{
		operator.POST("/sessions/:id/pay", h.paySession)
		operator.POST("/barrier/toggle", h.toggleBarrier)
	}
}

// flexFloat accepts a JSON number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("confidence %q is not a number", s)
	}
	*f = flexFloat(v)
	return nil
}

type detectionRequest struct {
	Plate       string    `json:"plate"`
	Confidence  flexFloat `json:"confidence"`
	Source      string    `json:"source"`
	ImageBase64 string    `json:"image_base64"`
}

func (h *Handler) createDetection(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.HTTP.MaxUploadBytes)

	det, err := h.bindDetection(c)
	if err != nil {
		c.JSON(statusForBindError(err), errorResponse(err.Error()))
		return
	}

	outcome, err := h.sessions.RecordDetection(c.Request.Context(), det)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// bindDetection reads a detection from a multipart form (file field
// "image") or a JSON body (base64 field "image_base64").
func (h *Handler) bindDetection(c *gin.Context) (parking.Detection, error) {
	var det parking.Detection

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		det.Plate = c.PostForm("plate")
		det.Source = c.PostForm("source")
		if raw := strings.TrimSpace(c.PostForm("confidence")); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return det, fmt.Errorf("confidence %q is not a number", raw)
			}
			det.Confidence = v
		}

		data, contentType, err := readFormImage(c)
		if err != nil {
			return det, err
		}
		det.Image, det.ImageContentType = data, contentType
		return det, nil
	}

	var req detectionRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		return det, fmt.Errorf("invalid detection payload: %w", err)
	}
	det.Plate = req.Plate
	det.Source = req.Source
	det.Confidence = float64(req.Confidence)
	if req.ImageBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(req.ImageBase64)
		if err != nil {
			return det, errors.New("image_base64 is not valid base64")
		}
		det.Image = data
		det.ImageContentType = http.DetectContentType(data)
	}
	return det, nil
}

func readFormImage(c *gin.Context) ([]byte, string, error) {
	fh, err := c.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("invalid image upload: %w", err)
	}

	f, err := fh.Open()
	if err != nil {
		return nil, "", fmt.Errorf("open image upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", fmt.Errorf("read image upload: %w", err)
	}
	contentType := fh.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func statusForBindError(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// recognizeDetection runs the plate oracle on an uploaded image and feeds
// confident readings into the session engine.
func (h *Handler) recognizeDetection(c *gin.Context) {
	if h.recognizer == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("plate recognition is disabled"))
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.HTTP.MaxUploadBytes)

	var (
		image       []byte
		contentType string
		err         error
	)
	source := c.Query("source")
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		image, contentType, err = readFormImage(c)
		if source == "" {
			source = c.PostForm("source")
		}
	} else {
		image, err = io.ReadAll(c.Request.Body)
		contentType = http.DetectContentType(image)
	}
	if err != nil {
		c.JSON(statusForBindError(err), errorResponse(err.Error()))
		return
	}
	if len(image) == 0 {
		c.JSON(http.StatusBadRequest, errorResponse("image is required"))
		return
	}

	reading, err := h.recognizer.Recognize(c.Request.Context(), image)
	if errors.Is(err, recognizer.ErrNoPlate) {
		c.JSON(http.StatusUnprocessableEntity, errorResponse("no license plate recognized"))
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("plate recognition failed")
		c.JSON(http.StatusBadGateway, errorResponse("plate recognition failed"))
		return
	}

	if reading.Confidence < h.cfg.Recognizer.MinConfidence {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ignored",
			"plate":      reading.Plate,
			"confidence": reading.Confidence,
			"message":    "confidence below threshold",
		})
		return
	}

	outcome, err := h.sessions.RecordDetection(c.Request.Context(), parking.Detection{
		Plate:            reading.Plate,
		Confidence:       reading.Confidence,
		Source:           source,
		Image:            image,
		ImageContentType: contentType,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *Handler) latestDetections(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, errorResponse("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}

	var latest *parking.DetectionRecord
	if rec, ok := h.detections.Latest(); ok {
		latest = &rec
	}
	c.JSON(http.StatusOK, successResponse(gin.H{
		"latest":   latest,
		"history":  h.detections.Snapshot(limit),
		"total":    h.detections.Len(),
		"capacity": h.detections.Capacity(),
		"appended": h.detections.Total(),
	}))
}

func (h *Handler) activeSessions(c *gin.Context) {
	sessions, err := h.sessions.ActiveSessions(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(sessions))
}

func (h *Handler) unpaidSessions(c *gin.Context) {
	summary, err := h.sessions.UnpaidSessions(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(summary))
}

func (h *Handler) sessionHistory(c *gin.Context) {
	filter := parking.HistoryFilter{
		Plate:         strings.TrimSpace(c.Query("plate")),
		PaymentStatus: parking.PaymentStatus(strings.ToUpper(strings.TrimSpace(c.Query("payment_status")))),
	}

	var err error
	if filter.From, err = parseTimeParam(c.Query("from"), false); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid from: "+err.Error()))
		return
	}
	if filter.To, err = parseTimeParam(c.Query("to"), true); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid to: "+err.Error()))
		return
	}
	if filter.Page, err = parseIntParam(c.Query("page")); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid page"))
		return
	}
	if filter.Limit, err = parseIntParam(c.Query("limit")); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid limit"))
		return
	}

	page, err := h.sessions.History(c.Request.Context(), filter)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(page))
}

func (h *Handler) getSession(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse("invalid session id"))
		return
	}

	sess, err := h.sessions.Session(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(sess))
}

func (h *Handler) paySession(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse("invalid session id"))
		return
	}

	sess, err := h.sessions.MarkPaid(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}

	h.log.Info().
		Int64("session_id", sess.ID).
		Str("operator", c.GetString(operatorKey)).
		Msg("payment recorded")
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "payment recorded",
		"data":    sess,
	})
}

func (h *Handler) toggleBarrier(c *gin.Context) {
	var req struct {
		Source string `json:"source"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
			return
		}
	}

	if err := h.sessions.ToggleBarrier(c.Request.Context(), req.Source); err != nil {
		h.log.Warn().Err(err).Msg("barrier toggle failed")
		c.JSON(http.StatusServiceUnavailable, errorResponse("barrier unavailable"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "barrier toggled"})
}

func (h *Handler) media(c *gin.Context) {
	img, err := h.images.Get(c.Request.Context(), c.Param("ref"))
	if errors.Is(err, storage.ErrImageNotFound) || errors.Is(err, storage.ErrInvalidRef) {
		c.JSON(http.StatusNotFound, errorResponse("image not found"))
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("image", c.Param("ref")).Msg("failed to load image")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}

	c.Header("Cache-Control", "private, max-age=86400")
	c.Data(http.StatusOK, img.ContentType, img.Data)
}

func (h *Handler) health(c *gin.Context) {
	var gate interface{} = "disabled"
	if h.barrier != nil {
		sent, failed := h.barrier.Stats()
		gate = gin.H{"sent": sent, "failed": failed}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"metrics":    h.metrics.Snapshot(),
		"relay":      h.relay.Stats(),
		"barrier":    gate,
		"detections": h.detections.Len(),
		"ws_clients": h.hub.Len(),
	})
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrInvalidState):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, service.ErrPersistence):
		h.log.Error().Err(err).Msg("storage unavailable")
		c.JSON(http.StatusServiceUnavailable, errorResponse("storage unavailable, retry later"))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"status": "error",
		"error":  message,
	}
}

func parseIntParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// parseTimeParam accepts RFC 3339 or a bare date. A bare date used as an
// upper bound covers the whole day.
func parseTimeParam(s string, upper bool) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, errors.New("expected RFC 3339 or YYYY-MM-DD")
	}
	if upper {
		t = t.AddDate(0, 0, 1)
	}
	return &t, nil
}
