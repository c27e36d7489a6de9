// Package webhook manages the target endpoints themselves, outside of the
// proxied broadcast.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

const maxErrorBody = 4 * 1024

// StatusError is returned when the endpoint answers with anything but 200
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rename failed: HTTP %d: %s", e.Code, e.Body)
}

// Renamer changes the display name of a webhook with a direct request
type Renamer struct {
	Client *http.Client
}

func NewRenamer(timeout time.Duration) *Renamer {
	return &Renamer{Client: &http.Client{Timeout: timeout}}
}

type renameBody struct {
	Name string `json:"name"`
}

// Rename PATCHes {"name": name} to targetURL. An empty name is a no-op.
func (r *Renamer) Rename(ctx context.Context, targetURL, name string) error {
	if name == "" {
		return nil
	}

	body, err := json.Marshal(renameBody{Name: name})
	if err != nil {
		return fmt.Errorf("marshal rename: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, targetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: string(text)}
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	log.WithField("target", targetURL).Infof("Webhook renamed to %s", name)
	return nil
}

// RenameAll renames every target independently. The returned map holds
// an entry only for targets that failed.
func (r *Renamer) RenameAll(ctx context.Context, targets []string, name string) map[string]error {
	failures := make(map[string]error)
	for _, target := range targets {
		if err := r.Rename(ctx, target, name); err != nil {
			log.WithField("target", target).Errorf("Failed to rename webhook: %v", err)
			failures[target] = err
		}
	}
	return failures
}
