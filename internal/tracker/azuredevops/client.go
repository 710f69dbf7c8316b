package azuredevops

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/epicforge/storysync/internal/tracker"
)

// Client provides methods to interact with the Azure DevOps REST API.
type Client struct {
	Organization string // Organization name or URL
	Project      string
	PAT          string // Personal Access Token
	BaseURL      string // Full base URL (derived from Organization)
	APIVersion   string
	HTTPClient   *http.Client
}

// NewClient creates a new Azure DevOps client.
func NewClient(organization, project, pat string) *Client {
	// Handle both organization name and full URL
	baseURL := organization
	if !strings.HasPrefix(organization, "http") {
		baseURL = fmt.Sprintf("https://dev.azure.com/%s", organization)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &Client{
		Organization: organization,
		Project:      project,
		PAT:          pat,
		BaseURL:      baseURL,
		APIVersion:   APIVersion,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// doRequest performs an HTTP request with authentication. Status codes
// map onto the tracker sentinels: 404/403 to ErrNotFound, 5xx and
// transport failures to ErrUnavailable.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, contentType string) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	// Add API version to path
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	reqURL := c.BaseURL + path + separator + "api-version=" + c.APIVersion

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Azure DevOps uses Basic auth with empty username and PAT as password
	auth := base64.StdEncoding.EncodeToString([]byte(":" + c.PAT))
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	} else if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tracker.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", tracker.ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: API error %d: %s", tracker.ErrNotFound, resp.StatusCode, string(respBody))
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: API error %d: %s", tracker.ErrUnavailable, resp.StatusCode, string(respBody))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// queryIDs executes a WIQL query and returns the matching work item IDs.
func (c *Client) queryIDs(ctx context.Context, wiql string) ([]int, error) {
	path := fmt.Sprintf("/%s/_apis/wit/wiql", url.PathEscape(c.Project))

	respBody, err := c.doRequest(ctx, "POST", path, WIQLQueryRequest{Query: wiql}, "application/json")
	if err != nil {
		return nil, fmt.Errorf("WIQL query failed: %w", err)
	}

	var queryResp WIQLQueryResponse
	if err := json.Unmarshal(respBody, &queryResp); err != nil {
		return nil, fmt.Errorf("failed to parse WIQL response: %w", err)
	}

	ids := make([]int, len(queryResp.WorkItems))
	for i, ref := range queryResp.WorkItems {
		ids[i] = ref.ID
	}
	return ids, nil
}

// fetchBatch retrieves work items by ID in pages of MaxPageSize.
func (c *Client) fetchBatch(ctx context.Context, ids []int) ([]WorkItem, error) {
	var all []WorkItem
	for i := 0; i < len(ids); i += MaxPageSize {
		end := i + MaxPageSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[i:end]

		idStrings := make([]string, len(batch))
		for j, id := range batch {
			idStrings[j] = fmt.Sprintf("%d", id)
		}

		path := fmt.Sprintf("/%s/_apis/wit/workitems?ids=%s&$expand=relations",
			url.PathEscape(c.Project), strings.Join(idStrings, ","))

		respBody, err := c.doRequest(ctx, "GET", path, nil, "")
		if err != nil {
			return nil, fmt.Errorf("failed to fetch work items batch: %w", err)
		}

		var batchResp WorkItemBatchResponse
		if err := json.Unmarshal(respBody, &batchResp); err != nil {
			return nil, fmt.Errorf("failed to parse work items response: %w", err)
		}
		all = append(all, batchResp.Value...)
	}
	return all, nil
}

// fetchWorkItem retrieves a single work item by ID.
func (c *Client) fetchWorkItem(ctx context.Context, id int) (*WorkItem, error) {
	path := fmt.Sprintf("/%s/_apis/wit/workitems/%d?$expand=relations", url.PathEscape(c.Project), id)

	respBody, err := c.doRequest(ctx, "GET", path, nil, "")
	if err != nil {
		return nil, err
	}

	var workItem WorkItem
	if err := json.Unmarshal(respBody, &workItem); err != nil {
		return nil, fmt.Errorf("failed to parse work item: %w", err)
	}
	return &workItem, nil
}

// createWorkItem creates a new work item from patch operations.
func (c *Client) createWorkItem(ctx context.Context, workItemType string, ops []PatchOperation) (*WorkItem, error) {
	// Work item type must be URL encoded
	path := fmt.Sprintf("/%s/_apis/wit/workitems/$%s", url.PathEscape(c.Project), url.PathEscape(workItemType))

	respBody, err := c.doRequest(ctx, "POST", path, ops, "application/json-patch+json")
	if err != nil {
		return nil, fmt.Errorf("failed to create work item: %w", err)
	}

	var workItem WorkItem
	if err := json.Unmarshal(respBody, &workItem); err != nil {
		return nil, fmt.Errorf("failed to parse create response: %w", err)
	}
	return &workItem, nil
}

// updateWorkItem applies patch operations to an existing work item.
func (c *Client) updateWorkItem(ctx context.Context, id int, ops []PatchOperation) (*WorkItem, error) {
	path := fmt.Sprintf("/%s/_apis/wit/workitems/%d", url.PathEscape(c.Project), id)

	respBody, err := c.doRequest(ctx, "PATCH", path, ops, "application/json-patch+json")
	if err != nil {
		return nil, fmt.Errorf("failed to update work item: %w", err)
	}

	var workItem WorkItem
	if err := json.Unmarshal(respBody, &workItem); err != nil {
		return nil, fmt.Errorf("failed to parse update response: %w", err)
	}
	return &workItem, nil
}

// workItemURL returns the API URL for a work item, used in relation links.
func (c *Client) workItemURL(id int) string {
	return fmt.Sprintf("%s/_apis/wit/workItems/%d", c.BaseURL, id)
}
