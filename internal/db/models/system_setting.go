// Package models - system_setting.go defines the SystemSetting key/value model
// for small operational state such as the admin token hash.
package models

import "time"

// Setting keys stored in system_settings.
const (
	SettingAdminTokenHash = "admin_token_hash"
)

// SystemSetting represents one row of operational configuration persisted in
// the database rather than the config file.
type SystemSetting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}
