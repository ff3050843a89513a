// Package console serves a local HTTP control surface for the verification
// controller: the upload and verify buttons, and the status boxes.
package console

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/session"
	"github.com/example/face-verify/internal/upload"
)

// MaxUploadSize caps target images accepted by the console.
const MaxUploadSize = int(upload.DefaultMaxSize)

const (
	defaultResultWait = 15 * time.Second
	maxResultWait     = time.Minute
)

// Controller is the part of session.Controller the console drives.
type Controller interface {
	State() session.State
	Wait(ctx context.Context, pred func(session.State) bool) (session.State, error)
	SubmitTarget(ctx context.Context, target upload.Target) error
	BeginSession(ctx context.Context) error
	Metrics() session.MetricsSummary
}

// NewRouter builds the console engine with recovery and request logging.
func NewRouter(ctrl Controller, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.MaxMultipartMemory = int64(MaxUploadSize)
	router.Use(gin.Recovery(), requestLogger(logger.Named("console")))
	RegisterRoutes(router, ctrl)
	return router
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, ctrl Controller) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")

	api.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, ctrl.State())
	})

	api.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, ctrl.Metrics())
	})

	api.POST("/target", func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(MaxUploadSize)+1<<20)

		target, status, msg := readTarget(c)
		if status != 0 {
			c.JSON(status, gin.H{"error": msg})
			return
		}

		if err := ctrl.SubmitTarget(c.Request.Context(), target); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "state": ctrl.State()})
			return
		}
		c.JSON(http.StatusAccepted, ctrl.State())
	})

	api.POST("/verify", func(c *gin.Context) {
		if err := ctrl.BeginSession(c.Request.Context()); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "state": ctrl.State()})
			return
		}
		c.JSON(http.StatusAccepted, ctrl.State())
	})

	// Long-polls until the session has a result or stops running without one.
	api.GET("/sessions/:id/result", func(c *gin.Context) {
		id := c.Param("id")
		wait := defaultResultWait
		if raw := c.Query("timeout"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "timeout must be a positive duration"})
				return
			}
			wait = min(d, maxResultWait)
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
		defer cancel()

		st, err := ctrl.Wait(ctx, func(s session.State) bool {
			return s.SessionID != id || s.Ended(id) || !s.Running()
		})
		switch {
		case err != nil:
			c.JSON(http.StatusAccepted, st)
		case st.Ended(id):
			c.JSON(http.StatusOK, st.Result)
		case st.SessionID == id:
			// The camera was never acquired; the status holds the reason.
			c.JSON(http.StatusOK, session.Result{SessionID: id, Message: st.Status.Text, Outcome: session.OutcomeFailure})
		default:
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		}
	})
}

// readTarget returns the uploaded target. A missing file yields an empty
// target so the controller reports it like an empty file picker.
func readTarget(c *gin.Context) (upload.Target, int, string) {
	file, err := c.FormFile(upload.FieldTarget)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return upload.Target{}, http.StatusRequestEntityTooLarge, "image exceeds " + strconv.Itoa(MaxUploadSize) + " bytes"
		}
		if errors.Is(err, http.ErrMissingFile) {
			return upload.Target{}, 0, ""
		}
		return upload.Target{}, http.StatusBadRequest, "multipart form with " + upload.FieldTarget + " is required"
	}
	if file.Size > int64(MaxUploadSize) {
		return upload.Target{}, http.StatusRequestEntityTooLarge, "image exceeds " + strconv.Itoa(MaxUploadSize) + " bytes"
	}

	src, err := file.Open()
	if err != nil {
		return upload.Target{}, http.StatusBadRequest, "unable to open image"
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return upload.Target{}, http.StatusInternalServerError, "failed to read image"
	}
	return upload.Target{Name: file.Filename, Data: data}, 0, ""
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNoTarget):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrUploadInFlight),
		errors.Is(err, session.ErrSessionActive),
		errors.Is(err, session.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, session.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
