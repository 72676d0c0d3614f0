package models

import "time"

// Download outcome values recorded in DownloadLog.DownloadStatus.
const (
	DownloadStatusSuccess       = "success"
	DownloadStatusInvalid       = "invalid"
	DownloadStatusExpired       = "expired"
	DownloadStatusLimitExceeded = "limit_exceeded"
	DownloadStatusFailed        = "failed"
)

// DownloadLog is the append-only audit record for every download attempt,
// successful or not. It is the fraud-detection substrate: rows are never
// updated or deleted.
type DownloadLog struct {
	ID          uint  `gorm:"primaryKey" json:"id"`
	UserID      uint  `gorm:"not null;index" json:"user_id"`
	OrderItemID *uint `gorm:"index" json:"order_item_id"`

	IPAddress string `gorm:"size:45" json:"ip_address"`
	UserAgent string `gorm:"size:1000" json:"user_agent"`

	BrowserFamily  string `gorm:"size:100" json:"browser_family"`
	BrowserVersion string `gorm:"size:50" json:"browser_version"`
	OSFamily       string `gorm:"size:100" json:"os_family"`
	OSVersion      string `gorm:"size:50" json:"os_version"`
	DeviceFamily   string `gorm:"size:100" json:"device_family"`
	DeviceBrand    string `gorm:"size:100" json:"device_brand"`
	DeviceModel    string `gorm:"size:100" json:"device_model"`

	IsMobile     bool `json:"is_mobile"`
	IsTablet     bool `json:"is_tablet"`
	IsBot        bool `json:"is_bot"`
	IsSuspicious bool `json:"is_suspicious"`
	RiskScore    int  `json:"risk_score"`

	DownloadStatus string `gorm:"size:20;not null;index" json:"download_status"`
	ErrorMessage   string `gorm:"size:255" json:"error_message"`
	FileSize       int64  `json:"file_size"`
	DurationMs     int64  `json:"duration_ms"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`

	User      User       `gorm:"foreignKey:UserID" json:"-"`
	OrderItem *OrderItem `gorm:"foreignKey:OrderItemID" json:"-"`
}

func (DownloadLog) TableName() string {
	return "download_logs"
}
