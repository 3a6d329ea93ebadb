// errors.go defines sentinel error values for GitHub API operations and the
// mapping from HTTP status codes to the application error taxonomy.
package github

import (
	"errors"
	"net/http"

	"github.com/streakkeeper/streakkeeper/internal/apperr"
)

var (
	// Repository errors
	ErrRepositoryNotFound = errors.New("repository not found")
	ErrFileNotFound       = errors.New("file not found in repository")
	ErrEmptyRepository    = errors.New("repository has no commits")

	// ErrContentConflict means the file changed between read and write (the
	// supplied blob SHA no longer matches). The caller re-reads and retries.
	ErrContentConflict = errors.New("file content conflict")

	// Installation errors
	ErrInstallationRevoked = errors.New("installation revoked or suspended")
)

// classifyStatus maps a non-success HTTP status from a repository operation to
// the error taxonomy. Token-exchange statuses are handled separately because
// 404 means something different there (revoked installation, not missing data).
func classifyStatus(status int, op string) *apperr.Error {
	switch {
	case status == http.StatusUnauthorized:
		// An expired or revoked installation token. Retryable: the broker
		// invalidates its cache and mints a fresh token.
		return apperr.New(apperr.KindAuthentication, true, "%s: installation token rejected (status %d)", op, status)
	case status == http.StatusForbidden, status == http.StatusTooManyRequests:
		return apperr.New(apperr.KindExternalAPI, true, "%s: rate limited or forbidden (status %d)", op, status)
	case status == http.StatusNotFound, status == http.StatusGone:
		return apperr.Wrap(apperr.KindExternalAPI, false, ErrRepositoryNotFound, "%s: status %d", op, status)
	case status >= 500:
		return apperr.New(apperr.KindExternalAPI, true, "%s: server error (status %d)", op, status)
	default:
		return apperr.New(apperr.KindExternalAPI, false, "%s: unexpected status %d", op, status)
	}
}
