package handler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"elimustore/internal/models"
	"elimustore/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func (f *downloadFixture) get(token, ua string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/downloads/"+token, nil)
	if ua != "" {
		req.Header.Set("User-Agent", ua)
		req.Header.Set("Accept-Language", "en-KE,en;q=0.9")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestDownloadServesFile(t *testing.T) {
	f := newDownloadFixture(t)

	w := f.get(f.token, browserUA)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, f.fileContent, w.Body.Bytes())
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="Form_4_Chemistry_Revision_Notes.pdf"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Contains(t, w.Header().Get("Cache-Control"), "no-store")

	logs := f.logRows(t)
	require.Len(t, logs, 1)
	assert.Equal(t, models.DownloadStatusSuccess, logs[0].DownloadStatus)
	assert.Equal(t, int64(len(f.fileContent)), logs[0].FileSize)
	assert.Equal(t, "Chrome", logs[0].BrowserFamily)
	assert.False(t, logs[0].IsSuspicious)
	require.NotNil(t, logs[0].OrderItemID)
	assert.Equal(t, f.item.ID, *logs[0].OrderItemID)

	items, err := f.orders.GetItemsByOrder(f.item.OrderID)
	require.NoError(t, err)
	assert.Equal(t, 1, items[0].DownloadCount)
}

func TestDownloadUnknownToken(t *testing.T) {
	f := newDownloadFixture(t)

	w := f.get("deadbeef", browserUA)

	assert.Equal(t, http.StatusNotFound, w.Code)
	logs := f.logRows(t)
	require.Len(t, logs, 1)
	assert.Equal(t, models.DownloadStatusInvalid, logs[0].DownloadStatus)
	assert.Nil(t, logs[0].OrderItemID)

	items, err := f.orders.GetItemsByOrder(f.item.OrderID)
	require.NoError(t, err)
	assert.Equal(t, 0, items[0].DownloadCount, "rejected attempt must not consume")
}

func TestDownloadForeignTokenLooksUnknown(t *testing.T) {
	f := newDownloadFixture(t)
	f.authedAs = f.other.ID

	w := f.get(f.token, browserUA)

	assert.Equal(t, http.StatusNotFound, w.Code)
	logs := f.logRows(t)
	require.Len(t, logs, 1)
	assert.Equal(t, models.DownloadStatusInvalid, logs[0].DownloadStatus)
	assert.Equal(t, f.other.ID, logs[0].UserID)
}

func TestDownloadLimitExhausted(t *testing.T) {
	f := newDownloadFixture(t)

	for i := 0; i < f.item.DownloadLimit; i++ {
		require.Equal(t, http.StatusOK, f.get(f.token, browserUA).Code)
	}
	w := f.get(f.token, browserUA)

	assert.Equal(t, http.StatusGone, w.Code)
	logs := f.logRows(t)
	require.Len(t, logs, f.item.DownloadLimit+1)
	assert.Equal(t, models.DownloadStatusLimitExceeded, logs[len(logs)-1].DownloadStatus)

	items, err := f.orders.GetItemsByOrder(f.item.OrderID)
	require.NoError(t, err)
	assert.Equal(t, f.item.DownloadLimit, items[0].DownloadCount)
}

func TestDownloadExpiredLink(t *testing.T) {
	f := newDownloadFixture(t)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, f.db.Model(&models.OrderItem{}).
		Where("id = ?", f.item.ID).
		Update("download_expires_at", past).Error)

	w := f.get(f.token, browserUA)

	assert.Equal(t, http.StatusGone, w.Code)
	logs := f.logRows(t)
	require.Len(t, logs, 1)
	assert.Equal(t, models.DownloadStatusExpired, logs[0].DownloadStatus)
}

func TestDownloadMissingFile(t *testing.T) {
	f := newDownloadFixture(t)
	require.NoError(t, f.db.Model(&models.Product{}).
		Where("id = ?", f.item.ProductID).
		Update("file_path", "products/gone.pdf").Error)

	w := f.get(f.token, browserUA)

	// Storage fault, not a client error: 404 like an unknown token, but the
	// audit row says failed so operators can tell the two apart.
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "file not found")
	logs := f.logRows(t)
	require.Len(t, logs, 1)
	assert.Equal(t, models.DownloadStatusFailed, logs[0].DownloadStatus)
	assert.Equal(t, "file not found", logs[0].ErrorMessage)

	items, err := f.orders.GetItemsByOrder(f.item.OrderID)
	require.NoError(t, err)
	assert.Equal(t, 0, items[0].DownloadCount, "missing file must not consume the slot")
}

// brokenPipeWriter accepts budget bytes of body, then fails like a client
// that went away mid-transfer.
type brokenPipeWriter struct {
	*httptest.ResponseRecorder
	budget int
}

func (w *brokenPipeWriter) Write(b []byte) (int, error) {
	if len(b) > w.budget {
		n, _ := w.ResponseRecorder.Write(b[:w.budget])
		w.budget = 0
		return n, errors.New("broken pipe")
	}
	w.budget -= len(b)
	return w.ResponseRecorder.Write(b)
}

func TestDownloadInterruptedStreamAuditedAsFailed(t *testing.T) {
	f := newDownloadFixture(t)

	w := &brokenPipeWriter{ResponseRecorder: httptest.NewRecorder(), budget: 10}
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/downloads/"+f.token, nil)
	c.Request.Header.Set("User-Agent", browserUA)
	c.Request.Header.Set("Accept-Language", "en-KE,en;q=0.9")
	c.Params = gin.Params{{Key: "token", Value: f.token}}
	c.Set("user_id", f.user.ID)

	f.handler.Download(c)

	// The truncated transfer is a failure with the partial byte count, not
	// a success row.
	logs := f.logRows(t)
	require.Len(t, logs, 1)
	assert.Equal(t, models.DownloadStatusFailed, logs[0].DownloadStatus)
	assert.Equal(t, int64(10), logs[0].FileSize)
	assert.Contains(t, logs[0].ErrorMessage, "stream interrupted")

	// The slot was spent before streaming began.
	items, err := f.orders.GetItemsByOrder(f.item.OrderID)
	require.NoError(t, err)
	assert.Equal(t, 1, items[0].DownloadCount)
}

func TestSuspicionWarnsOnlyAboveThreshold(t *testing.T) {
	core, recorded := observer.New(zap.WarnLevel)
	prev := logger.Log
	logger.Log = zap.New(core)
	t.Cleanup(func() { logger.Log = prev })

	f := newDownloadFixture(t)

	// No user agent and no Accept-Language scores exactly three indicators.
	f.handler.riskThreshold = 3
	require.Equal(t, http.StatusOK, f.get(f.token, "").Code)
	assert.Empty(t, recorded.FilterMessage("suspicious download attempt").All())

	f.handler.riskThreshold = 2
	require.Equal(t, http.StatusOK, f.get(f.token, "").Code)
	entries := recorded.FilterMessage("suspicious download attempt").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(3), entries[0].ContextMap()["risk_score"])
}

func TestDownloadRecordsSuspicionButStillServes(t *testing.T) {
	f := newDownloadFixture(t)

	w := f.get(f.token, "curl/8.4.0")

	// Suspicion is a signal, not a block: a paying curl user still gets
	// their file, the audit row carries the flags.
	require.Equal(t, http.StatusOK, w.Code)
	logs := f.logRows(t)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].IsBot)
	assert.True(t, logs[0].IsSuspicious)
	assert.GreaterOrEqual(t, logs[0].RiskScore, 1)
}

func TestDownloadEveryAttemptAudited(t *testing.T) {
	f := newDownloadFixture(t)

	f.get(f.token, browserUA)              // success
	f.get("bogus", browserUA)              // invalid
	f.get(f.token, "")                     // success, no UA
	f.authedAs = f.other.ID
	f.get(f.token, browserUA)              // foreign -> invalid
	f.authedAs = f.user.ID

	logs := f.logRows(t)
	assert.Len(t, logs, 4, "exactly one audit row per attempt")
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		title    string
		fileType string
		want     string
	}{
		{"KCSE Maths Paper 1 (2024)", "pdf", "KCSE_Maths_Paper_1_2024.pdf"},
		{"  weird/../path\\name  ", "docx", "weird_.._path_name.docx"},
		{"///", "pdf", "download.pdf"},
		{"notes", "", "notes"},
		{"notes", ".PDF", "notes.pdf"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeFilename(tt.title, tt.fileType))
	}
}
