package http

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"

	"github.com/gin-gonic/gin"

	"parking-service/internal/relay"
)

const mjpegBoundary = "frame"

// publishFrame stores the raw request body as the latest frame of :source.
func (h *Handler) publishFrame(c *gin.Context) {
	source := c.Param("source")
	if !relay.ValidSource(source) {
		c.JSON(http.StatusBadRequest, errorResponse("invalid source id"))
		return
	}

	limit := h.cfg.HTTP.MaxFrameBytes
	if c.Request.ContentLength > limit {
		h.rejectFrame(c, http.StatusRequestEntityTooLarge, "frame too large")
		return
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.rejectFrame(c, http.StatusRequestEntityTooLarge, "frame too large")
			return
		}
		h.rejectFrame(c, http.StatusBadRequest, "failed to read frame")
		return
	}

	if err := h.relay.Publish(source, data); err != nil {
		if errors.Is(err, relay.ErrEmptyFrame) {
			h.rejectFrame(c, http.StatusBadRequest, "empty frame")
			return
		}
		h.rejectFrame(c, http.StatusBadRequest, err.Error())
		return
	}
	if h.metrics != nil {
		h.metrics.IncrementFramesPublished()
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"source": source,
		"bytes":  len(data),
	})
}

func (h *Handler) rejectFrame(c *gin.Context, status int, msg string) {
	if h.metrics != nil {
		h.metrics.IncrementFramesRejected()
	}
	c.JSON(status, errorResponse(msg))
}

// streamFrames serves :source as multipart/x-mixed-replace until the
// viewer disconnects.
func (h *Handler) streamFrames(c *gin.Context) {
	source := c.Param("source")
	sub, err := h.relay.Subscribe(source)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid source id"))
		return
	}
	defer sub.Close()

	if h.metrics != nil {
		done := h.metrics.ViewerConnected()
		defer done()
	}

	mw := multipart.NewWriter(c.Writer)
	if err := mw.SetBoundary(mjpegBoundary); err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	header.Set("Pragma", "no-cache")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	for {
		frame, err := sub.Next(ctx)
		if err != nil {
			return
		}

		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":   {"image/jpeg"},
			"Content-Length": {strconv.Itoa(len(frame))},
		})
		if err != nil {
			return
		}
		if _, err := part.Write(frame); err != nil {
			return
		}
		c.Writer.Flush()
	}
}

func (h *Handler) listSources(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(gin.H{
		"sources": h.relay.Sources(),
		"stats":   h.relay.Stats(),
	}))
}
