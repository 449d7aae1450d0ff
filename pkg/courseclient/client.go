/**
 * @description
 * This package provides a client for the Course Registry service, which owns
 * course pricing and enrollment lists. Every call goes through the shared
 * retry policy; a 404 on lookup is permanent and short-circuits the retries,
 * since a missing course will not appear by waiting.
 *
 * @dependencies
 * - bytes, context, encoding/json, net/http: Standard Go libraries.
 * - pkg/retry: Bounded exponential backoff with jitter.
 */
package courseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/skillbridge/payment-service/internal/domain"
	"github.com/skillbridge/payment-service/pkg/retry"
)

// ErrCourseNotFound is returned when the registry has no course for the id.
var ErrCourseNotFound = errors.New("course not found")

// Client is a pre-configured client for the Course Registry.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	policy     retry.Policy
}

// NewClient creates a Course Registry client with a fixed per-request timeout.
func NewClient(baseURL, apiKey string, policy retry.Policy) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		policy:     policy,
	}
}

type enrollmentPayload struct {
	CourseIDs []string `json:"courseIds"`
	UserID    string   `json:"userId"`
}

// GetCourse fetches authoritative course data, including price and the
// current enrollment list, retrying transient failures.
func (c *Client) GetCourse(ctx context.Context, courseID string) (*domain.Course, error) {
	url := fmt.Sprintf("%s/course/details/%s", c.baseURL, courseID)

	return retry.Do(ctx, c.policy, func() (*domain.Course, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("failed to create course lookup request: %w", err))
		}
		c.setHeaders(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logFailure(http.MethodGet, url, err.Error())
			return nil, fmt.Errorf("course registry unreachable: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			c.logFailure(http.MethodGet, url, "course not found")
			return nil, retry.Permanent(ErrCourseNotFound)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			reason := readFailureReason(resp.Body, resp.StatusCode)
			c.logFailure(http.MethodGet, url, reason)
			return nil, fmt.Errorf("course registry returned %s", reason)
		}

		var course domain.Course
		if err := json.NewDecoder(resp.Body).Decode(&course); err != nil {
			return nil, fmt.Errorf("failed to decode course details: %w", err)
		}
		return &course, nil
	})
}

// Enroll adds the user to every course in one batch call. The batch is
// retried as a unit; partial success within one call is the registry's
// concern, not ours.
func (c *Client) Enroll(ctx context.Context, courseIDs []string, userID string) error {
	return c.postEnrollment(ctx, "/course/enroll", courseIDs, userID)
}

// Unenroll removes the user from every course in one batch call. Used only
// by the refund path as best-effort cleanup.
func (c *Client) Unenroll(ctx context.Context, courseIDs []string, userID string) error {
	return c.postEnrollment(ctx, "/course/unenroll", courseIDs, userID)
}

func (c *Client) postEnrollment(ctx context.Context, path string, courseIDs []string, userID string) error {
	url := c.baseURL + path
	body, err := json.Marshal(enrollmentPayload{CourseIDs: courseIDs, UserID: userID})
	if err != nil {
		return fmt.Errorf("failed to marshal enrollment payload: %w", err)
	}

	_, err = retry.Do(ctx, c.policy, func() (struct{}, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if reqErr != nil {
			return struct{}{}, retry.Permanent(fmt.Errorf("failed to create enrollment request: %w", reqErr))
		}
		c.setHeaders(req)

		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			c.logFailure(http.MethodPost, url, doErr.Error())
			return struct{}{}, fmt.Errorf("course registry unreachable: %w", doErr)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			reason := readFailureReason(resp.Body, resp.StatusCode)
			c.logFailure(http.MethodPost, url, reason)
			return struct{}{}, fmt.Errorf("course registry returned %s", reason)
		}
		return struct{}{}, nil
	})
	return err
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}
}

// logFailure records method, URL, and failure reason without altering
// control flow.
func (c *Client) logFailure(method, url, reason string) {
	log.Printf("level=warn component=course_client method=%s url=%s msg=\"request failed\" reason=%q", method, url, reason)
}

func readFailureReason(body io.Reader, status int) string {
	b, _ := io.ReadAll(io.LimitReader(body, 512))
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return fmt.Sprintf("status %d", status)
	}
	return fmt.Sprintf("status %d: %s", status, trimmed)
}
