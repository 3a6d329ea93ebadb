// Package github implements the platform REST client used for repository
// operations and installation token exchange. It talks to the GitHub REST API
// v3 (github.com or GitHub Enterprise Server) over plain net/http.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/streakkeeper/streakkeeper/internal/apperr"
)

const defaultAPIURL = "https://api.github.com"

// Client is a minimal GitHub REST API client. All repository operations take
// an installation access token; token exchange takes a signed app assertion.
type Client struct {
	apiURL     string
	httpClient *http.Client
}

// NewClient creates a GitHub API client. An empty apiURL selects github.com.
func NewClient(apiURL string) *Client {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	return &Client{
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) setAuthHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
}

// InstallationToken is a short-lived access token scoped to one installation
type InstallationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateInstallationToken exchanges a signed app assertion for an installation
// access token. A 404 or 410 here means the installation no longer exists
// upstream and is surfaced as a non-retryable authentication failure.
func (c *Client) CreateInstallationToken(ctx context.Context, appJWT string, installationID int64) (*InstallationToken, error) {
	endpoint := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.apiURL, installationID)

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("github: create token request: %w", err)
	}
	c.setAuthHeaders(req, appJWT)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindExternalAPI, true, err, "token exchange for installation %d", installationID)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		// fall through to decode
	case http.StatusNotFound, http.StatusGone:
		return nil, apperr.Wrap(apperr.KindAuthentication, false, ErrInstallationRevoked,
			"token exchange for installation %d: status %d", installationID, resp.StatusCode)
	case http.StatusUnauthorized:
		// The app assertion itself was rejected: bad key or app id.
		return nil, apperr.New(apperr.KindConfiguration, false,
			"token exchange for installation %d: app assertion rejected", installationID)
	default:
		if resp.StatusCode >= 500 {
			return nil, apperr.New(apperr.KindExternalAPI, true,
				"token exchange for installation %d: server error (status %d)", installationID, resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		return nil, apperr.New(apperr.KindExternalAPI, false,
			"token exchange for installation %d: status %d: %s", installationID, resp.StatusCode, body)
	}

	var token InstallationToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("github: decode token response: %w", err)
	}
	return &token, nil
}

// Repository holds the subset of repository metadata the batch needs
type Repository struct {
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
}

// GetRepository fetches repository metadata, primarily the default branch
func (c *Client) GetRepository(ctx context.Context, token, owner, repo string) (*Repository, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s", c.apiURL, owner, repo)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("github: create fetch-repo request: %w", err)
	}
	c.setAuthHeaders(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindExternalAPI, true, err, "fetch repository %s/%s", owner, repo)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, fmt.Sprintf("fetch repository %s/%s", owner, repo))
	}

	var r Repository
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("github: decode repository: %w", err)
	}
	return &r, nil
}

// ListInstallationRepositories returns the repositories the installation
// token can reach. Used to resolve the target repository when a webhook
// payload arrived without one.
func (c *Client) ListInstallationRepositories(ctx context.Context, token string) ([]Repository, error) {
	endpoint := fmt.Sprintf("%s/installation/repositories?per_page=100", c.apiURL)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("github: create list-repos request: %w", err)
	}
	c.setAuthHeaders(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindExternalAPI, true, err, "list installation repositories")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, "list installation repositories")
	}

	var body struct {
		Repositories []Repository `json:"repositories"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("github: decode repository list: %w", err)
	}
	return body.Repositories, nil
}

// FileContent is the decoded content of one repository file plus the blob SHA
// needed for a compare-and-swap update.
type FileContent struct {
	Content []byte
	SHA     string
}

// GetFile fetches a file's content and blob SHA from the given branch
func (c *Client) GetFile(ctx context.Context, token, owner, repo, path, ref string) (*FileContent, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s?ref=%s", c.apiURL, owner, repo, url.PathEscape(path), url.QueryEscape(ref))

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("github: create get-file request: %w", err)
	}
	c.setAuthHeaders(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindExternalAPI, true, err, "get file %s/%s/%s", owner, repo, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperr.Wrap(apperr.KindValidation, false, ErrFileNotFound, "get file %s/%s/%s", owner, repo, path)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, fmt.Sprintf("get file %s/%s/%s", owner, repo, path))
	}

	var result struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
		SHA      string `json:"sha"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("github: decode file response: %w", err)
	}
	if result.Encoding != "base64" {
		return nil, apperr.New(apperr.KindExternalAPI, false, "get file %s/%s/%s: unexpected encoding %q", owner, repo, path, result.Encoding)
	}

	content, err := base64.StdEncoding.DecodeString(result.Content)
	if err != nil {
		return nil, fmt.Errorf("github: decode file content: %w", err)
	}
	return &FileContent{Content: content, SHA: result.SHA}, nil
}

// Committer identifies the commit author and committer
type Committer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// PutFileRequest carries a compare-and-swap file update
type PutFileRequest struct {
	Branch    string
	SHA       string // blob SHA the update is conditional on
	Content   []byte
	Message   string
	Committer Committer
}

// PutFile replaces a file's content on a branch, conditional on the blob SHA
// observed by GetFile. A 409 or SHA-mismatch 422 surfaces as
// ErrContentConflict so the caller can re-read and retry once.
func (c *Client) PutFile(ctx context.Context, token, owner, repo, path string, put PutFileRequest) (string, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s", c.apiURL, owner, repo, url.PathEscape(path))

	payload := map[string]interface{}{
		"message":   put.Message,
		"content":   base64.StdEncoding.EncodeToString(put.Content),
		"sha":       put.SHA,
		"branch":    put.Branch,
		"committer": put.Committer,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("github: marshal put-file request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "PUT", endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("github: create put-file request: %w", err)
	}
	c.setAuthHeaders(req, token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.KindExternalAPI, true, err, "put file %s/%s/%s", owner, repo, path)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		// fall through to decode
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return "", apperr.Wrap(apperr.KindExternalAPI, true, ErrContentConflict,
			"put file %s/%s/%s: status %d", owner, repo, path, resp.StatusCode)
	default:
		return "", classifyStatus(resp.StatusCode, fmt.Sprintf("put file %s/%s/%s", owner, repo, path))
	}

	var result struct {
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("github: decode put-file response: %w", err)
	}
	return result.Commit.SHA, nil
}

// HasCommitBetween reports whether the given author has any commit on the
// default branch in the [since, until) window. An empty repository (409 from
// the commits endpoint) reports false.
func (c *Client) HasCommitBetween(ctx context.Context, token, owner, repo, author string, since, until time.Time) (bool, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/commits?author=%s&since=%s&until=%s&per_page=1",
		c.apiURL, owner, repo,
		url.QueryEscape(author),
		url.QueryEscape(since.UTC().Format(time.RFC3339)),
		url.QueryEscape(until.UTC().Format(time.RFC3339)),
	)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("github: create list-commits request: %w", err)
	}
	c.setAuthHeaders(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, apperr.Wrap(apperr.KindExternalAPI, true, err, "list commits %s/%s", owner, repo)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		// Empty repository: no commits at all.
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, classifyStatus(resp.StatusCode, fmt.Sprintf("list commits %s/%s", owner, repo))
	}

	var commits []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&commits); err != nil {
		return false, fmt.Errorf("github: decode commits: %w", err)
	}
	return len(commits) > 0, nil
}
