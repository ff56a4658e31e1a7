// Package tracker files issues in Jira.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	jira "github.com/andygrunwald/go-jira"

	"github.com/petrijr/hookflow/internal/logging"
)

// DefaultProject is the project key issues are filed under when none is
// configured.
const DefaultProject = "TEST"

// HTTPError is returned when Jira answers with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Err        error
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("jira returned status %d: %v", e.StatusCode, e.Err)
}

func (e *HTTPError) Unwrap() error { return e.Err }

// Issue is the minimal description of an issue to create.
type Issue struct {
	Type        string `json:"issue_type"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

type Options struct {
	URL      string
	Username string
	APIToken string
	Project  string
	// HTTPClient replaces the basic-auth client, mainly for tests.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	api     *jira.Client
	project string
	logger  *slog.Logger
}

func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("tracker: jira url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		tp := jira.BasicAuthTransport{Username: opts.Username, Password: opts.APIToken}
		httpClient = tp.Client()
	}
	api, err := jira.NewClient(httpClient, opts.URL)
	if err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}
	project := opts.Project
	if project == "" {
		project = DefaultProject
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{api: api, project: project, logger: logger}, nil
}

// Project returns the key issues are filed under.
func (c *Client) Project() string { return c.project }

// CreateIssue files issue and returns its key (e.g. "TEST-42").
func (c *Client) CreateIssue(ctx context.Context, issue Issue) (string, error) {
	logging.LogWith(ctx, c.logger).Info("jira_create_issue",
		slog.String("project", c.project),
		slog.String("issue_type", issue.Type),
	)

	created, resp, err := c.api.Issue.CreateWithContext(ctx, &jira.Issue{
		Fields: &jira.IssueFields{
			Project:     jira.Project{Key: c.project},
			Type:        jira.IssueType{Name: issue.Type},
			Summary:     issue.Summary,
			Description: issue.Description,
		},
	})
	if err != nil {
		if resp != nil && resp.Response != nil {
			return "", &HTTPError{StatusCode: resp.StatusCode, Err: err}
		}
		return "", fmt.Errorf("tracker: create issue: %w", err)
	}
	if created == nil || created.Key == "" {
		return "", errors.New("tracker: create issue: response has no key")
	}
	return created.Key, nil
}
