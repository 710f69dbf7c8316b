// Package azuredevops implements the tracker contract over the Azure
// DevOps work item REST API.
package azuredevops

import (
	"time"
)

// API constants
const (
	DefaultTimeout = 30 * time.Second
	MaxPageSize    = 200
	APIVersion     = "7.0"
)

// WorkItem represents an Azure DevOps work item.
type WorkItem struct {
	ID        int                `json:"id"`
	Rev       int                `json:"rev"`
	URL       string             `json:"url"`
	Fields    WorkItemFields     `json:"fields"`
	Relations []WorkItemRelation `json:"relations,omitempty"`
}

// WorkItemFields contains the work item field values.
type WorkItemFields struct {
	Title         string `json:"System.Title"`
	Description   string `json:"System.Description"`
	State         string `json:"System.State"`
	WorkItemType  string `json:"System.WorkItemType"`
	Priority      int    `json:"Microsoft.VSTS.Common.Priority,omitempty"` // 1=High, 2=Medium, 3=Low, 4=Backlog
	CreatedDate   string `json:"System.CreatedDate"`
	ChangedDate   string `json:"System.ChangedDate"`
	Tags          string `json:"System.Tags,omitempty"` // Semicolon-separated
	AreaPath      string `json:"System.AreaPath"`
	IterationPath string `json:"System.IterationPath"`
	Parent        int    `json:"System.Parent,omitempty"`
}

// WorkItemRelation represents a link between work items.
type WorkItemRelation struct {
	Rel        string                 `json:"rel"`
	URL        string                 `json:"url"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// WIQLQueryRequest is the request body for WIQL queries.
type WIQLQueryRequest struct {
	Query string `json:"query"`
}

// WIQLQueryResponse is the response from a WIQL query.
type WIQLQueryResponse struct {
	QueryType       string        `json:"queryType"`
	QueryResultType string        `json:"queryResultType"`
	AsOf            string        `json:"asOf"`
	WorkItems       []WorkItemRef `json:"workItems"`
}

// WorkItemRef is a reference to a work item in WIQL results.
type WorkItemRef struct {
	ID  int    `json:"id"`
	URL string `json:"url"`
}

// WorkItemBatchResponse is the response from batch get.
type WorkItemBatchResponse struct {
	Count int        `json:"count"`
	Value []WorkItem `json:"value"`
}

// PatchOperation represents one JSON-patch operation for creating or
// updating work items.
type PatchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
	From  string      `json:"from,omitempty"`
}
