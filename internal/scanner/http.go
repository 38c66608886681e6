package scanner

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/expvar"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	sloggin "github.com/samber/slog-gin"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/johbar/scan-ocr-service/internal/history"
)

const limiterResetInterval = 10 * time.Minute

type handlers struct {
	s   *Scanner
	sem *semaphore.Weighted
	log *slog.Logger
}

// NewRouter returns the HTTP API of s
func NewRouter(s *Scanner, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		registerValidations(v)
	}
	h := &handlers{s: s, sem: semaphore.NewWeighted(max(s.conf.MaxConcurrent, 1)), log: logger}

	router := gin.New()
	router.Use(sloggin.New(logger), gin.Recovery())
	if s.conf.RateLimit > 0 {
		rl := newRateLimiter(s.conf.RateLimit, s.conf.RateBurst)
		router.Use(rl.middleware)
	}
	router.GET("/healthz", h.health)
	router.GET("/debug/vars", expvar.Handler())

	router.POST("/recognize", h.recognize)
	router.GET("/ocr", h.health)
	router.POST("/ocr/init", h.initOCR)
	router.POST("/ocr/stop", h.stopOCR)

	scans := router.Group("/scans")
	scans.GET("", h.listScans)
	scans.DELETE("", h.deleteAllScans)
	scans.GET("/export", h.exportScans)
	scans.POST("/cleanup", h.cleanup)
	scans.GET("/:id", h.getScan)
	scans.PATCH("/:id", h.updateScan)
	scans.POST("/:id/favorite", h.toggleFavorite)
	scans.DELETE("/:id", h.deleteScan)
	router.GET("/stats", h.stats)

	langs := router.Group("/languages")
	langs.GET("", h.listLanguages)
	langs.PUT("/:code", h.installLanguage)
	langs.DELETE("/:code", h.removeLanguage)
	return router
}

func (h *handlers) fail(c *gin.Context, err error) {
	p := Describe(err)
	if p.Status >= http.StatusInternalServerError {
		h.log.Error("Request failed", "path", c.Request.URL.Path, "err", err)
	} else {
		h.log.Warn("Request failed", "path", c.Request.URL.Path, "status", p.Status, "err", err)
	}
	if p.Retryable && (p.Status == http.StatusServiceUnavailable || p.Status == http.StatusTooManyRequests) {
		c.Header("Retry-After", "1")
	}
	c.AbortWithStatusJSON(p.Status, p)
}

func badRequest(err error) error {
	return fmt.Errorf("%w: %w", ErrBadRequest, err)
}

func scanID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", ErrBadRequest, c.Param("id"))
	}
	return id, nil
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, h.s.EngineInfo())
}

// recognize accepts the image as raw body or as the multipart field "file"
func (h *handlers) recognize(c *gin.Context) {
	var req Request
	if err := c.ShouldBindQuery(&req); err != nil {
		h.fail(c, badRequest(err))
		return
	}
	if !h.sem.TryAcquire(1) {
		h.fail(c, ErrBusy)
		return
	}
	defer h.sem.Release(1)

	var (
		body   io.Reader = c.Request.Body
		size             = c.Request.ContentLength
		origin           = "POST request"
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("file")
		if err != nil {
			h.fail(c, badRequest(err))
			return
		}
		f, err := fh.Open()
		if err != nil {
			h.fail(c, badRequest(err))
			return
		}
		defer f.Close()
		body, size, origin = f, fh.Size, fh.Filename
	}
	out, err := h.s.ProcessStream(c.Request.Context(), body, size, origin, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if out.Scan != nil {
		status = http.StatusCreated
		c.Header("Location", fmt.Sprintf("/scans/%d", out.Scan.ID))
	}
	if c.NegotiateFormat(gin.MIMEJSON, gin.MIMEPlain) == gin.MIMEPlain {
		c.String(status, out.Text)
		return
	}
	c.JSON(status, out)
}

func (h *handlers) initOCR(c *gin.Context) {
	var req struct {
		Language string `form:"lang" json:"lang" binding:"omitempty,tesslang"`
	}
	if err := c.ShouldBindQuery(&req); err != nil {
		h.fail(c, badRequest(err))
		return
	}
	if err := h.s.InitializeOCR(c.Request.Context(), req.Language); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.s.EngineInfo())
}

func (h *handlers) stopOCR(c *gin.Context) {
	h.s.Stop()
	c.Status(http.StatusAccepted)
}

func (h *handlers) listScans(c *gin.Context) {
	var f history.Filter
	if err := c.ShouldBindQuery(&f); err != nil {
		h.fail(c, badRequest(err))
		return
	}
	page, err := h.s.GetAllScans(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *handlers) getScan(c *gin.Context) {
	id, err := scanID(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	scan, err := h.s.GetScan(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, scan)
}

func (h *handlers) updateScan(c *gin.Context) {
	id, err := scanID(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	var p history.Patch
	if err := c.ShouldBindJSON(&p); err != nil {
		h.fail(c, badRequest(err))
		return
	}
	scan, err := h.s.UpdateScan(c.Request.Context(), id, p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, scan)
}

func (h *handlers) toggleFavorite(c *gin.Context) {
	id, err := scanID(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	fav, err := h.s.ToggleFavorite(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "favorite": fav})
}

func (h *handlers) deleteScan(c *gin.Context) {
	id, err := scanID(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.s.DeleteScan(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// deleteAllScans requires ?confirm=true
func (h *handlers) deleteAllScans(c *gin.Context) {
	if ok, _ := strconv.ParseBool(c.Query("confirm")); !ok {
		h.fail(c, fmt.Errorf("%w: deleting all scans requires confirm=true", ErrBadRequest))
		return
	}
	n, err := h.s.DeleteAllScans(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (h *handlers) cleanup(c *gin.Context) {
	age, err := ParseAge(c.Query("olderThan"))
	if err != nil {
		h.fail(c, err)
		return
	}
	includeFavorites, _ := strconv.ParseBool(c.Query("favorites"))
	n, err := h.s.CleanupOlderThan(c.Request.Context(), age, includeFavorites)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

var exportContentTypes = map[string]string{
	FormatMarkdown: "text/markdown; charset=utf-8",
	FormatJSON:     gin.MIMEJSON + "; charset=utf-8",
	FormatText:     gin.MIMEPlain + "; charset=utf-8",
}

func (h *handlers) exportScans(c *gin.Context) {
	var f history.Filter
	if err := c.ShouldBindQuery(&f); err != nil {
		h.fail(c, badRequest(err))
		return
	}
	format, err := ParseFormat(c.Query("format"))
	if err != nil {
		h.fail(c, err)
		return
	}
	var buf bytes.Buffer
	if err := h.s.Export(c.Request.Context(), &buf, format, f); err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, exportContentTypes[format], buf.Bytes())
}

func (h *handlers) stats(c *gin.Context) {
	st, err := h.s.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handlers) listLanguages(c *gin.Context) {
	installedOnly, _ := strconv.ParseBool(c.Query("installed"))
	langs, err := h.s.ListLanguages(installedOnly)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, langs)
}

func (h *handlers) installLanguage(c *gin.Context) {
	code := c.Param("code")
	if err := h.s.InstallLanguage(c.Request.Context(), code, nil); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) removeLanguage(c *gin.Context) {
	if err := h.s.RemoveLanguage(c.Param("code")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// rateLimiter keeps a token bucket per client address
type rateLimiter struct {
	limiters  sync.Map
	limit     rate.Limit
	burst     int
	lastReset atomic.Int64
}

func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	rl := &rateLimiter{limit: rate.Limit(perSecond), burst: max(burst, 1)}
	rl.lastReset.Store(time.Now().UnixNano())
	return rl
}

func (rl *rateLimiter) get(ip string) *rate.Limiter {
	now := time.Now().UnixNano()
	last := rl.lastReset.Load()
	// forget idle clients now and then
	if time.Duration(now-last) > limiterResetInterval && rl.lastReset.CompareAndSwap(last, now) {
		rl.limiters.Clear()
	}
	if v, ok := rl.limiters.Load(ip); ok {
		return v.(*rate.Limiter)
	}
	v, _ := rl.limiters.LoadOrStore(ip, rate.NewLimiter(rl.limit, rl.burst))
	return v.(*rate.Limiter)
}

func (rl *rateLimiter) middleware(c *gin.Context) {
	if !rl.get(c.ClientIP()).Allow() {
		c.Header("Retry-After", "1")
		p := Describe(ErrRateLimited)
		c.AbortWithStatusJSON(p.Status, p)
		return
	}
	c.Next()
}
