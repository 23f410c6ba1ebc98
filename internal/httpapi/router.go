// Package httpapi exposes the webhook, manual trigger, and health
// endpoints.
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Cobalt-dev/mail-dispatch-infra/internal/auth"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/checkpoint"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/metrics"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/notify"
	"github.com/Cobalt-dev/mail-dispatch-infra/internal/pipeline"
)

// Pinger is a dependency that can be probed for liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DispatchLog reads the dispatch audit trail.
type DispatchLog interface {
	RecentDispatches(ctx context.Context, accountID string, limit int) ([]checkpoint.Dispatched, error)
}

// Deps are the collaborators the HTTP layer needs.
type Deps struct {
	Pipeline *pipeline.Pipeline
	// Verifier guards the manual trigger endpoint; nil leaves it open
	// (development only).
	Verifier *auth.Verifier
	Logger   *slog.Logger
	// Audit serves the dispatch history endpoint; nil disables it.
	Audit DispatchLog

	// Dependency probes for /health/deps. Any may be nil.
	Accounts    Pinger
	Checkpoints Pinger
	QueueUp     func() bool
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(observe(d.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	r.GET("/health/deps", func(c *gin.Context) {
		handleHealthDeps(c, d)
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/webhook/push", func(c *gin.Context) {
		handlePush(c, d)
	})

	ops := r.Group("/")
	if d.Verifier != nil {
		ops.Use(operatorAuth(d.Verifier))
	}
	ops.POST("/webhook/manual", func(c *gin.Context) {
		handleManual(c, d)
	})
	if d.Audit != nil {
		ops.GET("/dispatches", func(c *gin.Context) {
			handleDispatches(c, d)
		})
	}

	return r
}

func handlePush(c *gin.Context, d Deps) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "reason": "unreadable_body"})
		return
	}

	res, err := d.Pipeline.HandlePush(c.Request.Context(), body)
	if err != nil {
		// Decode failures are the caller's fault; there is nothing to
		// retry.
		reason := "malformed_payload"
		if errors.Is(err, notify.ErrMissingAddress) {
			reason = "missing_address"
		}
		d.Logger.Warn("rejected push payload", "reason", reason, "error", err, "request_id", c.GetString("request_id"))
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "reason": reason})
		return
	}

	c.JSON(statusCode(res), res)
}

func handleManual(c *gin.Context, d Deps) {
	address := c.Query("account")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "reason": "missing_account"})
		return
	}

	res := d.Pipeline.ManualTrigger(c.Request.Context(), address, c.Query("message_id"))
	c.JSON(statusCode(res), res)
}

// handleDispatches answers what was recently published for an account, the
// operator's companion to the manual trigger when tracing a lost task.
// Takes the account id, not the address; the audit log is keyed by id.
func handleDispatches(c *gin.Context, d Deps) {
	accountID := c.Query("account_id")
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "reason": "missing_account_id"})
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "reason": "invalid_limit"})
			return
		}
		limit = n
	}

	rows, err := d.Audit.RecentDispatches(c.Request.Context(), accountID, limit)
	if err != nil {
		d.Logger.Error("dispatch log query failed", "account_id", accountID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "reason": "audit_unavailable"})
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, gin.H{
			"message_id":      row.MessageID,
			"idempotency_key": row.IdempotencyKey,
			"dispatched_at":   row.DispatchedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"account_id": accountID, "dispatches": out})
}

func handleHealthDeps(c *gin.Context, d Deps) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	deps := gin.H{}
	healthy := true

	check := func(name string, p Pinger) {
		if p == nil {
			return
		}
		if err := p.Ping(ctx); err != nil {
			deps[name] = "down"
			healthy = false
		} else {
			deps[name] = "up"
		}
	}
	check("accounts", d.Accounts)
	check("checkpoints", d.Checkpoints)

	if d.QueueUp != nil {
		if d.QueueUp() {
			deps["queue"] = "up"
		} else {
			deps["queue"] = "down"
			healthy = false
		}
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"healthy": healthy, "deps": deps})
}

// statusCode maps pipeline results to HTTP codes. Ignored outcomes are
// 200s: the provider should not re-push for an address we will never
// process.
func statusCode(res *pipeline.Result) int {
	if res.Status == pipeline.StatusError {
		return http.StatusBadGateway
	}
	return http.StatusOK
}

// requestID tags each request for log correlation.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// observe logs each request and records its latency.
func observe(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequestDuration(c.Request.Method, path, status, elapsed)

		logger.Info("request",
			"request_id", c.GetString("request_id"),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", elapsed.Milliseconds(),
		)
	}
}

// operatorAuth requires a verified operator JWT.
func operatorAuth(v *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		op, err := v.OperatorFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Set("operator_id", op.ID)
		c.Next()
	}
}
