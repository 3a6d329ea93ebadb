// Package models - installation.go defines the Installation model linking a
// platform app installation to the single repository it keeps alive.
package models

import "time"

// Installation represents one authorized app installation on a repository.
// The ID is the platform-assigned installation id; it is the natural key used
// in webhook payloads and token exchange, so no surrogate key is introduced.
type Installation struct {
	ID           int64      `db:"id"`
	UserID       string     `db:"user_id"` // platform login of the owning user
	RepoFullName string     `db:"repo_full_name"`
	Active       bool       `db:"active"`
	LastCommitAt *time.Time `db:"last_commit_at"` // nil until the first keep-alive commit
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

// Repo splits RepoFullName into owner and name. The second return is empty
// when the stored value has no slash, which only happens with corrupt data.
func (i *Installation) Repo() (owner, name string) {
	for idx := 0; idx < len(i.RepoFullName); idx++ {
		if i.RepoFullName[idx] == '/' {
			return i.RepoFullName[:idx], i.RepoFullName[idx+1:]
		}
	}
	return i.RepoFullName, ""
}
