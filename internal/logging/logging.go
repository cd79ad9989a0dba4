package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/config"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/util"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RequestIDHeader carries the request correlation id.
const RequestIDHeader = "X-Request-ID"

// ginRequestIDKey is the gin context key for the request id.
const ginRequestIDKey = "requestID"

// Setup configures the global logrus logger from config.
func Setup(cfg config.LoggingConfig) error {
	level, errParse := log.ParseLevel(strings.TrimSpace(cfg.Level))
	if errParse != nil {
		return fmt.Errorf("logging: %w", errParse)
	}
	log.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}

	out, errOut := openOutput(cfg)
	if errOut != nil {
		return errOut
	}
	log.SetOutput(out)
	return nil
}

// openOutput returns stdout, optionally teed into a rotated file.
func openOutput(cfg config.LoggingConfig) (io.Writer, error) {
	file := strings.TrimSpace(cfg.File)
	if file == "" {
		return os.Stdout, nil
	}
	if !filepath.IsAbs(file) {
		if base := util.WritablePath(); base != "" {
			file = filepath.Join(base, file)
		}
	}
	if errMkdir := os.MkdirAll(filepath.Dir(file), 0o755); errMkdir != nil {
		return nil, fmt.Errorf("logging: create log dir: %w", errMkdir)
	}
	rotator := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    positiveOr(cfg.MaxSizeMB, 100),
		MaxBackups: positiveOr(cfg.MaxBackups, 7),
		MaxAge:     positiveOr(cfg.MaxAgeDays, 30),
		Compress:   true,
	}
	return io.MultiWriter(os.Stdout, rotator), nil
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// SetGinRequestID stores the request id on the gin context.
func SetGinRequestID(c *gin.Context, id string) {
	if c == nil {
		return
	}
	c.Set(ginRequestIDKey, id)
}

// GetGinRequestID returns the request id stored on the gin context.
func GetGinRequestID(c *gin.Context) string {
	if c == nil {
		return ""
	}
	if v, ok := c.Get(ginRequestIDKey); ok {
		if s, okString := v.(string); okString {
			return s
		}
	}
	return ""
}

// RequestIDMiddleware accepts an inbound X-Request-ID or mints one.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		SetGinRequestID(c, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// GinLogger writes one access-log line per request.
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + util.MaskSensitiveQuery(raw)
		}
		entry := log.WithFields(log.Fields{
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       path,
			"latency":    time.Since(start).String(),
			"client_ip":  c.ClientIP(),
			"request_id": GetGinRequestID(c),
		})
		switch {
		case c.Writer.Status() >= 500:
			entry.Error("http request")
		case c.Writer.Status() >= 400:
			entry.Warn("http request")
		default:
			entry.Debug("http request")
		}
	}
}
