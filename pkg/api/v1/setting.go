package v1

import "time"

// AppSetting is one key/value application setting
type AppSetting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UpdateSettingRequest sets a setting value
type UpdateSettingRequest struct {
	Value string `json:"value" binding:"required"`
}
