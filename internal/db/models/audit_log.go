// Package models - audit_log.go defines the AuditLog model for recording
// lifecycle and batch events, capturing actor, action, affected entity, and
// arbitrary metadata.
package models

import "time"

// Actor types recorded in audit entries.
const (
	ActorUser   = "user"
	ActorAdmin  = "admin"
	ActorSystem = "system"
)

// Audit actions. The set is closed so dashboards can enumerate it.
const (
	ActionInstallationCreated     = "installation.created"
	ActionInstallationReactivated = "installation.reactivated"
	ActionInstallationDeactivated = "installation.deactivated"
	ActionInstallationRejected    = "installation.rejected"
	ActionCommitCreated           = "commit.created"
	ActionCommitSkipped           = "commit.skipped"
	ActionCommitFailed            = "commit.failed"
	ActionBatchCompleted          = "batch.completed"
)

// AuditLog represents an audit log entry for tracking installation lifecycle
// and batch activity
type AuditLog struct {
	ID           string
	ActorType    string  // "user", "admin", "system"
	ActorID      *string // nullable for system actions
	Action       string  // "installation.created", "commit.created", ...
	TargetUserID *string // platform user the entry concerns
	EntityType   *string // "installation", "batch"
	EntityID     *string
	Metadata     map[string]interface{} // JSONB: additional context
	CreatedAt    time.Time
}
