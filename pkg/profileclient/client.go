/**
 * @description
 * This package provides a client for the User Profile service, which owns
 * each user's enrolled-course list and progress. Unlike the Course Registry's
 * batch enroll call, profile updates are one call per course, each retried
 * individually.
 *
 * @dependencies
 * - bytes, context, encoding/json, net/http: Standard Go libraries.
 * - pkg/retry: Bounded exponential backoff with jitter.
 */
package profileclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/skillbridge/payment-service/pkg/retry"
)

// Client is a pre-configured client for the User Profile service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	policy     retry.Policy
}

// NewClient creates a User Profile client with a fixed per-request timeout.
func NewClient(baseURL, apiKey string, policy retry.Policy) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		policy:     policy,
	}
}

type coursePayload struct {
	UserID   string `json:"userId"`
	CourseID string `json:"courseId"`
}

// AddCourse appends one course to the user's profile, retrying transient
// failures.
func (c *Client) AddCourse(ctx context.Context, userID, courseID string) error {
	return c.post(ctx, "/profile/add-course", userID, courseID)
}

// RemoveCourse removes one course from the user's profile. Used only by the
// refund path as best-effort cleanup.
func (c *Client) RemoveCourse(ctx context.Context, userID, courseID string) error {
	return c.post(ctx, "/profile/remove-course", userID, courseID)
}

func (c *Client) post(ctx context.Context, path, userID, courseID string) error {
	url := c.baseURL + path
	body, err := json.Marshal(coursePayload{UserID: userID, CourseID: courseID})
	if err != nil {
		return fmt.Errorf("failed to marshal profile payload: %w", err)
	}

	_, err = retry.Do(ctx, c.policy, func() (struct{}, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if reqErr != nil {
			return struct{}{}, retry.Permanent(fmt.Errorf("failed to create profile request: %w", reqErr))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if strings.TrimSpace(c.apiKey) != "" {
			req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
		}

		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			c.logFailure(url, doErr.Error())
			return struct{}{}, fmt.Errorf("profile service unreachable: %w", doErr)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			reason := fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
			c.logFailure(url, reason)
			return struct{}{}, fmt.Errorf("profile service returned %s", reason)
		}
		return struct{}{}, nil
	})
	return err
}

func (c *Client) logFailure(url, reason string) {
	log.Printf("level=warn component=profile_client method=POST url=%s msg=\"request failed\" reason=%q", url, reason)
}
