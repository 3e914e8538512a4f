package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tapin/internal/attendance"
	"tapin/internal/auth"
	"tapin/internal/broadcast"
	"tapin/internal/config"
	"tapin/internal/httpmiddleware"
	"tapin/internal/qrtoken"
	"tapin/internal/queue"
	"tapin/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "tapin:checkins")
	}

	repo := attendance.NewRepository(db.Client)
	if err := repo.EnsureSchema(context.Background()); err != nil {
		log.Printf("warning: schema setup failed: %v", err)
	}
	roster := attendance.NewRosterRepository(db.Client)

	signer := qrtoken.New([]byte(cfg.QRSigningKey), cfg.JWTIssuer)
	hub := broadcast.NewHub()
	notifier := broadcast.NewNotifier(broadcast.Fanout{
		hub,
		broadcast.NewQueuePublisher(q),
	})

	engine := attendance.NewEngine(repo, roster, signer, notifier, attendance.Options{
		DefaultRadiusM:      cfg.DefaultRadiusM,
		MinRadiusM:          cfg.MinRadiusM,
		MaxRadiusM:          cfg.MaxRadiusM,
		MaxDuration:         cfg.MaxSessionDur,
		DefaultMaxAccuracyM: cfg.GeoMaxAccuracyM,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil && db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Dev-only token mint so the API is exercisable without the host
	// application's identity service in front of it.
	if cfg.Env != "production" && cfg.Env != "prod" {
		r.POST("/v1/auth/dev-token", func(c *gin.Context) {
			var req struct {
				UserID string `json:"user_id" binding:"required"`
				Role   string `json:"role" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			tokens, err := auth.Issue(req.UserID, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusCreated, gin.H{
				"access_token":  tokens.AccessToken,
				"refresh_token": tokens.RefreshToken,
				"expires_at":    tokens.AccessExp.Unix(),
			})
		})
	}

	authed := r.Group("/v1", auth.UserAuth(cfg.JWTSigningKey, cfg.JWTIssuer))
	lecturers := authed.Group("", auth.RequireRole(auth.RoleLecturer))
	students := authed.Group("", auth.RequireRole(auth.RoleStudent))

	lecturers.POST("/courses/:courseID/sessions", func(c *gin.Context) {
		var req struct {
			Method       string   `json:"method" binding:"required"`
			DurationSec  int      `json:"duration_sec"`
			PinCode      string   `json:"pin_code"`
			Lat          *float64 `json:"lat"`
			Lng          *float64 `json:"lng"`
			RadiusM      float64  `json:"radius_m"`
			MaxAccuracyM float64  `json:"max_accuracy_m"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.DurationSec == 0 {
			req.DurationSec = 300
		}

		var params attendance.MethodParams
		switch attendance.Method(req.Method) {
		case attendance.MethodPIN:
			params = attendance.PinParams{Code: req.PinCode}
		case attendance.MethodGeo:
			if req.Lat == nil || req.Lng == nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "lat and lng required for geo sessions"})
				return
			}
			params = attendance.GeoParams{Lat: *req.Lat, Lng: *req.Lng, RadiusM: req.RadiusM, MaxAccuracyM: req.MaxAccuracyM}
		case attendance.MethodQR:
			params = attendance.QRParams{}
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "method must be geo, pin, or qr"})
			return
		}

		caller := auth.FromContext(c)
		sess, qrToken, err := engine.Open(c.Request.Context(), c.Param("courseID"), caller.Subject,
			params, time.Duration(req.DurationSec)*time.Second)
		if err != nil {
			abortWithEngineError(c, err)
			return
		}

		resp := sessionView(sess)
		if qrToken != "" {
			resp["qr_token"] = qrToken
		}
		c.JSON(http.StatusCreated, resp)
	})

	authed.GET("/courses/:courseID/sessions/active", func(c *gin.Context) {
		summary, err := engine.ActiveSummary(c.Request.Context(), c.Param("courseID"))
		if err != nil {
			abortWithEngineError(c, err)
			return
		}
		if summary == nil {
			c.JSON(http.StatusOK, gin.H{"active": false})
			return
		}
		resp := sessionView(summary.Session)
		resp["active"] = true
		resp["present_count"] = summary.PresentCount
		resp["total_students"] = summary.TotalEnrolled
		resp["time_remaining"] = summary.SecondsLeft
		c.JSON(http.StatusOK, resp)
	})

	lecturers.PATCH("/sessions/:sessionID/close", func(c *gin.Context) {
		caller := auth.FromContext(c)
		if err := engine.Close(c.Request.Context(), c.Param("sessionID"), caller.Subject); err != nil {
			abortWithEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message":    "session closed",
			"session_id": c.Param("sessionID"),
		})
	})

	lecturers.POST("/sessions/:sessionID/qr/regenerate", func(c *gin.Context) {
		caller := auth.FromContext(c)
		token, err := engine.RegenerateToken(c.Request.Context(), c.Param("sessionID"), caller.Subject)
		if err != nil {
			abortWithEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"qr_token": token})
	})

	students.POST("/attendance/check-in", func(c *gin.Context) {
		var req struct {
			SessionID string   `json:"session_id" binding:"required"`
			Pin       string   `json:"pin"`
			Lat       *float64 `json:"lat"`
			Lng       *float64 `json:"lng"`
			AccuracyM *float64 `json:"accuracy_m"`
			Token     string   `json:"token"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		caller := auth.FromContext(c)
		result, err := engine.SubmitCheckIn(c.Request.Context(), req.SessionID, caller.Subject, attendance.CheckInPayload{
			PIN:       req.Pin,
			Lat:       req.Lat,
			Lng:       req.Lng,
			AccuracyM: req.AccuracyM,
			Token:     req.Token,
		})
		if err != nil {
			abortWithEngineError(c, err)
			return
		}
		if !result.Accepted {
			c.JSON(http.StatusOK, gin.H{"accepted": false, "reason": string(result.Reason)})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"accepted":         true,
			"already_recorded": result.AlreadyRecorded,
			"status":           result.Record.Status,
			"checked_in_at":    result.Record.CheckedInAt.UTC(),
		})
	})

	authed.GET("/courses/:courseID/attendance/history", func(c *gin.Context) {
		caller := auth.FromContext(c)
		studentFilter := c.Query("student_id")
		if caller.Role == auth.RoleStudent {
			// Students only ever see their own history.
			studentFilter = caller.Subject
		}
		limit := 100
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		entries, err := engine.History(c.Request.Context(), c.Param("courseID"), studentFilter, limit)
		if err != nil {
			abortWithEngineError(c, err)
			return
		}
		out := make([]gin.H, 0, len(entries))
		for _, e := range entries {
			row := gin.H{
				"session_id": e.SessionID,
				"status":     e.Status,
				"date":       e.CheckedInAt.UTC(),
			}
			if caller.Role == auth.RoleLecturer {
				row["student_id"] = e.StudentID
			}
			out = append(out, row)
		}
		c.JSON(http.StatusOK, out)
	})

	lecturers.GET("/sessions/:sessionID/attendees", func(c *gin.Context) {
		caller := auth.FromContext(c)
		attendees, err := engine.Attendees(c.Request.Context(), c.Param("sessionID"), caller.Subject)
		if err != nil {
			abortWithEngineError(c, err)
			return
		}
		out := make([]gin.H, 0, len(attendees))
		for _, a := range attendees {
			out = append(out, gin.H{
				"student_id": a.StudentID,
				"name":       a.Name,
				"timestamp":  a.CheckedInAt.UTC(),
			})
		}
		c.JSON(http.StatusOK, gin.H{"attendees": out, "count": len(out)})
	})

	// Live feed: lecturer joins their course topic and receives a
	// student_checked_in event for every accepted check-in. Browsers cannot
	// set headers on websocket dials, so the bearer token rides a query
	// param here.
	r.GET("/v1/courses/:courseID/live", func(c *gin.Context) {
		tokenStr := c.Query("token")
		claims, err := auth.Parse(tokenStr, cfg.JWTSigningKey, cfg.JWTIssuer)
		if err != nil || claims.Role != auth.RoleLecturer {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		courseID := c.Param("courseID")
		owns, err := roster.OwnsCourse(c.Request.Context(), claims.Subject, courseID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !owns {
			c.JSON(http.StatusForbidden, gin.H{"error": "not your course"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("websocket upgrade failed: %v", err)
			return
		}
		hub.ServeWS(c.Request.Context(), conn, courseID)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

var upgrader = websocket.Upgrader{
	// The API serves cross-origin dashboards; auth happens via the signed
	// token, not the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func sessionView(s attendance.Session) gin.H {
	view := gin.H{
		"session_id": s.ID,
		"course_id":  s.CourseID,
		"method":     string(s.Params.Method()),
		"created_at": s.CreatedAt.UTC(),
		"expires_at": s.ExpiresAt.UTC(),
		"is_open":    s.IsOpen,
	}
	switch p := s.Params.(type) {
	case attendance.PinParams:
		view["needs_pin"] = true
	case attendance.GeoParams:
		view["lecturer_lat"] = p.Lat
		view["lecturer_lng"] = p.Lng
		view["radius_m"] = p.RadiusM
		if p.MaxAccuracyM > 0 {
			view["max_accuracy_m"] = p.MaxAccuracyM
		}
	case attendance.QRParams:
		// The nonce never leaves the server; the signed token is the only
		// QR artifact clients see.
	}
	return view
}

func abortWithEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, attendance.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrNotEnrolled):
		c.JSON(http.StatusForbidden, gin.H{"error": "not enrolled in this course"})
	case errors.Is(err, attendance.ErrPermission):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, attendance.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable, retry later"})
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
