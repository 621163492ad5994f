package coverage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Metadata identifies the run a report belongs to on the coverage service.
type Metadata struct {
	Pipeline    string
	Branch      string
	Commit      string
	Environment string
}

// UploadError wraps a failed transmission so callers can apply the
// fail-closed policy separately from tool failures.
type UploadError struct {
	Status  int
	Message string
}

func (ue UploadError) Error() string {
	if ue.Status != 0 {
		return fmt.Sprintf("coverage upload rejected [%d]: %s", ue.Status, ue.Message)
	}
	return "coverage upload failed: " + ue.Message
}

// Uploader transmits coverage reports to the external coverage service,
// authenticated with the secret token. Failures are terminal: the run either
// fails closed or logs and moves on, per configuration; there is no retry.
type Uploader struct {
	client  *http.Client
	baseURL string
	token   string
}

func NewUploader(baseURL, token string) *Uploader {
	return &Uploader{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
		token:   token,
	}
}

func (u *Uploader) Upload(ctx context.Context, report []byte, meta Metadata) error {
	params := make(url.Values)
	params.Add("pipeline", meta.Pipeline)
	params.Add("branch", meta.Branch)
	params.Add("commit", meta.Commit)
	params.Add("environment", meta.Environment)

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		u.baseURL+"?"+params.Encode(),
		bytes.NewReader(report),
	)
	if err != nil {
		return UploadError{Message: err.Error()}
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "token "+u.token)

	resp, err := u.client.Do(req)
	if err != nil {
		return UploadError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return UploadError{Status: resp.StatusCode, Message: string(body)}
	}
	return nil
}
