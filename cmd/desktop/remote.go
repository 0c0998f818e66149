// Package main provides the HTTP implementation of the remote service
// contract the sync queue replays mutations against.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// restRemote delivers one record kind's mutations to the Sphere service over
// plain REST: POST /api/{resource}, PATCH and DELETE /api/{resource}/{id}.
type restRemote struct {
	client   *http.Client
	baseURL  string
	resource string
}

func newRestRemote(client *http.Client, baseURL, resource string) *restRemote {
	return &restRemote{client: client, baseURL: baseURL, resource: resource}
}

// Create pushes a new record and returns the server-assigned id.
func (r *restRemote) Create(ctx context.Context, payload json.RawMessage) (string, error) {
	body, err := r.do(ctx, http.MethodPost, r.collectionURL(), payload)
	if err != nil {
		return "", err
	}

	var response struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("create %s: malformed response: %w", r.resource, err)
	}
	if response.ID == "" {
		return "", fmt.Errorf("create %s: server assigned no id", r.resource)
	}
	return response.ID, nil
}

// Update pushes a partial patch for an existing record.
func (r *restRemote) Update(ctx context.Context, serverID string, patch json.RawMessage) error {
	_, err := r.do(ctx, http.MethodPatch, r.recordURL(serverID), patch)
	return err
}

// Delete removes a record server-side.
func (r *restRemote) Delete(ctx context.Context, serverID string) error {
	_, err := r.do(ctx, http.MethodDelete, r.recordURL(serverID), nil)
	return err
}

func (r *restRemote) collectionURL() string {
	return fmt.Sprintf("%s/api/%s", r.baseURL, r.resource)
}

func (r *restRemote) recordURL(serverID string) string {
	return fmt.Sprintf("%s/api/%s/%s", r.baseURL, r.resource, serverID)
}

func (r *restRemote) do(ctx context.Context, method, url string, payload json.RawMessage) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: server returned %d", method, url, resp.StatusCode)
	}
	return body, nil
}
