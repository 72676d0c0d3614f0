package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"elimustore/internal/fingerprint"
	"elimustore/internal/middleware"
	"elimustore/internal/models"
	"elimustore/internal/repository"
	"elimustore/internal/service"
	"elimustore/logger"
	"elimustore/pkg/metrics"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DownloadHandler is the secure gateway between a paid entitlement and the
// file bytes. Every attempt, allowed or not, leaves exactly one audit row.
type DownloadHandler struct {
	entitlements *service.EntitlementService
	products     *repository.ProductRepository
	logs         *repository.DownloadLogRepository
	extractor    *fingerprint.Extractor
	metrics      *metrics.StoreMetrics

	storageRoot   string
	riskThreshold int
}

func NewDownloadHandler(
	entitlements *service.EntitlementService,
	products *repository.ProductRepository,
	logs *repository.DownloadLogRepository,
	extractor *fingerprint.Extractor,
	m *metrics.StoreMetrics,
	storageRoot string,
	riskThreshold int,
) *DownloadHandler {
	return &DownloadHandler{
		entitlements:  entitlements,
		products:      products,
		logs:          logs,
		extractor:     extractor,
		metrics:       m,
		storageRoot:   storageRoot,
		riskThreshold: riskThreshold,
	}
}

// attempt carries per-request state so every exit path writes the same
// audit record shape.
type attempt struct {
	userID    uint
	item      *models.OrderItem
	fp        fingerprint.Fingerprint
	suspicion fingerprint.Suspicion
	ip        string
	started   time.Time
}

func (h *DownloadHandler) Download(c *gin.Context) {
	started := time.Now()
	userID := middleware.GetUserID(c)
	token := c.Param("token")

	fp := h.extractor.Extract(c.Request.Context(), c.Request.UserAgent(), c.Request.Header)
	susp := fingerprint.Score(fp, c.Request.Header)
	a := &attempt{
		userID:    userID,
		fp:        fp,
		suspicion: susp,
		ip:        c.ClientIP(),
		started:   started,
	}

	if susp.RiskScore > h.riskThreshold {
		if h.metrics != nil {
			h.metrics.SuspiciousDownloads.Inc()
		}
		logger.Log.Warn("suspicious download attempt",
			zap.Uint("user_id", userID),
			zap.Int("risk_score", susp.RiskScore),
			zap.Strings("indicators", susp.Indicators),
			zap.String("ip", a.ip),
			zap.String("request_id", middleware.GetRequestID(c)))
	}

	item, err := h.entitlements.Validate(token, userID)
	if err != nil {
		if errors.Is(err, service.ErrEntitlementNotFound) {
			h.reject(c, a, models.DownloadStatusInvalid, http.StatusNotFound, "download link not found")
			return
		}
		h.reject(c, a, models.DownloadStatusFailed, http.StatusInternalServerError, "download failed")
		return
	}
	a.item = item

	if err := h.entitlements.CanConsume(item, started); err != nil {
		h.rejectEntitlement(c, a, err)
		return
	}

	// A missing backing file is a storage integrity fault, not a client
	// error: same 404 as an unknown token but logged as failed so operators
	// can tell the two apart.
	path := filepath.Join(h.storageRoot, item.Product.FilePath)
	f, err := os.Open(path)
	if err != nil {
		logger.Log.Error("product file missing from storage",
			zap.Uint("product_id", item.ProductID),
			zap.String("path", item.Product.FilePath),
			zap.Error(err))
		h.reject(c, a, models.DownloadStatusFailed, http.StatusNotFound, "file not found")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.reject(c, a, models.DownloadStatusFailed, http.StatusNotFound, "file not found")
		return
	}

	// Spend the entitlement before the first byte leaves: an interrupted
	// transfer still counts, a rejected one never streams.
	if err := h.entitlements.Consume(item, started); err != nil {
		h.rejectEntitlement(c, a, err)
		return
	}

	filename := sanitizeFilename(item.Product.Title, item.Product.FileType)
	c.Header("Content-Type", "application/octet-stream")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Header("Content-Length", fmt.Sprintf("%d", info.Size()))
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("X-Frame-Options", "DENY")
	c.Header("Referrer-Policy", "no-referrer")
	c.Header("Cache-Control", "no-store, no-cache, must-revalidate")

	written, copyErr := io.Copy(c.Writer, f)
	if copyErr != nil {
		// The slot is already spent; record the truncated transfer as a
		// failure with however many bytes made it out.
		logger.Log.Warn("download stream interrupted",
			zap.Uint("user_id", userID),
			zap.Uint("order_item_id", item.ID),
			zap.Int64("bytes_written", written),
			zap.Error(copyErr))
		h.writeLog(a, models.DownloadStatusFailed, "stream interrupted: "+copyErr.Error(), written)
		if h.metrics != nil {
			h.metrics.DownloadsTotal.WithLabelValues(models.DownloadStatusFailed).Inc()
		}
		return
	}

	if err := h.products.IncrementDownloads(item.ProductID); err != nil {
		logger.Log.Error("increment product downloads", zap.Uint("product_id", item.ProductID), zap.Error(err))
	}
	h.writeLog(a, models.DownloadStatusSuccess, "", written)
	if h.metrics != nil {
		h.metrics.DownloadsTotal.WithLabelValues(models.DownloadStatusSuccess).Inc()
		h.metrics.DownloadBytesTotal.Add(float64(written))
	}
	logger.Log.Info("download served",
		zap.Uint("user_id", userID),
		zap.Uint("order_item_id", item.ID),
		zap.Int64("bytes", written),
		zap.Int("downloads_used", item.DownloadCount),
		zap.Int("download_limit", item.DownloadLimit))
}

func (h *DownloadHandler) rejectEntitlement(c *gin.Context, a *attempt, err error) {
	switch {
	case errors.Is(err, service.ErrLinkExpired):
		h.reject(c, a, models.DownloadStatusExpired, http.StatusGone, "download link has expired")
	case errors.Is(err, service.ErrLimitExceeded):
		h.reject(c, a, models.DownloadStatusLimitExceeded, http.StatusGone, "download limit reached")
	case errors.Is(err, service.ErrEntitlementNotFound):
		h.reject(c, a, models.DownloadStatusInvalid, http.StatusNotFound, "download link not found")
	default:
		h.reject(c, a, models.DownloadStatusFailed, http.StatusInternalServerError, "download failed")
	}
}

func (h *DownloadHandler) reject(c *gin.Context, a *attempt, status string, httpStatus int, msg string) {
	h.writeLog(a, status, msg, 0)
	if h.metrics != nil {
		h.metrics.DownloadsTotal.WithLabelValues(status).Inc()
	}
	c.JSON(httpStatus, gin.H{"error": msg})
}

func (h *DownloadHandler) writeLog(a *attempt, status, errMsg string, bytes int64) {
	l := &models.DownloadLog{
		UserID:         a.userID,
		IPAddress:      a.ip,
		UserAgent:      truncate(a.fp.RawUserAgent, 1000),
		BrowserFamily:  a.fp.BrowserFamily,
		BrowserVersion: a.fp.BrowserVersion,
		OSFamily:       a.fp.OSFamily,
		OSVersion:      a.fp.OSVersion,
		DeviceFamily:   a.fp.DeviceFamily,
		DeviceBrand:    a.fp.DeviceBrand,
		DeviceModel:    a.fp.DeviceModel,
		IsMobile:       a.fp.IsMobile,
		IsTablet:       a.fp.IsTablet,
		IsBot:          a.fp.IsBot,
		IsSuspicious:   a.suspicion.IsSuspicious,
		RiskScore:      a.suspicion.RiskScore,
		DownloadStatus: status,
		ErrorMessage:   errMsg,
		FileSize:       bytes,
		DurationMs:     time.Since(a.started).Milliseconds(),
	}
	if a.item != nil {
		id := a.item.ID
		l.OrderItemID = &id
	}
	// The audit row must never block the response; a write failure is loud
	// in the logs instead.
	if err := h.logs.Create(l); err != nil {
		logger.Log.Error("write download log",
			zap.Uint("user_id", a.userID),
			zap.String("status", status),
			zap.Error(err))
	}
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// sanitizeFilename builds a download filename from the product title, safe
// for a Content-Disposition header.
func sanitizeFilename(title, fileType string) string {
	name := unsafeFilenameChars.ReplaceAllString(strings.TrimSpace(title), "_")
	name = strings.Trim(name, "._-")
	if name == "" {
		name = "download"
	}
	if len(name) > 100 {
		name = name[:100]
	}
	ext := strings.TrimPrefix(strings.ToLower(fileType), ".")
	if ext == "" {
		return name
	}
	return name + "." + ext
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
