package azuredevops

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/epicforge/storysync/internal/tracker"
	"github.com/epicforge/storysync/internal/types"
)

// Adapter implements the tracker contract over the Azure DevOps client.
type Adapter struct {
	client *Client
}

var _ tracker.Tracker = (*Adapter)(nil)

// New builds an adapter. apiVersion and timeout override the defaults
// when non-zero.
func New(organization, project, pat, apiVersion string, timeout time.Duration) *Adapter {
	c := NewClient(organization, project, pat)
	if apiVersion != "" {
		c.APIVersion = apiVersion
	}
	if timeout > 0 {
		c.HTTPClient.Timeout = timeout
	}
	return &Adapter{client: c}
}

// GetRoot fetches one work item.
func (a *Adapter) GetRoot(ctx context.Context, id string) (*types.WorkItem, error) {
	numID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	wi, err := a.client.fetchWorkItem(ctx, numID)
	if err != nil {
		return nil, err
	}
	return toWorkItem(wi), nil
}

// GetChildren returns the direct children of id.
func (a *Adapter) GetChildren(ctx context.Context, id string) ([]types.ExistingChild, error) {
	numID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	wiql := fmt.Sprintf(
		"SELECT [System.Id] FROM WorkItems WHERE [System.Parent] = %d ORDER BY [System.Id] ASC",
		numID)
	ids, err := a.client.queryIDs(ctx, wiql)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []types.ExistingChild{}, nil
	}

	items, err := a.client.fetchBatch(ctx, ids)
	if err != nil {
		return nil, err
	}
	children := make([]types.ExistingChild, 0, len(items))
	for i := range items {
		wi := &items[i]
		children = append(children, types.ExistingChild{
			ID:          strconv.Itoa(wi.ID),
			Title:       wi.Fields.Title,
			Description: stripHTML(wi.Fields.Description),
			State:       wi.Fields.State,
			ParentID:    id,
		})
	}
	return children, nil
}

// GetHierarchy returns the root with its features and their stories.
// Children that are neither features nor stories are ignored.
func (a *Adapter) GetHierarchy(ctx context.Context, rootID string) (*types.Hierarchy, error) {
	root, err := a.GetRoot(ctx, rootID)
	if err != nil {
		return nil, err
	}

	h := &types.Hierarchy{Root: *root}

	children, err := a.childItems(ctx, rootID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		switch child.Type {
		case types.RootFeature:
			node := types.FeatureNode{Item: child}
			stories, err := a.childItems(ctx, child.ID)
			if err != nil {
				return nil, err
			}
			for _, s := range stories {
				if s.Type == types.RootStory {
					node.Stories = append(node.Stories, s)
				}
			}
			h.Features = append(h.Features, node)
		case types.RootStory:
			h.DirectStories = append(h.DirectStories, child)
		}
	}
	return h, nil
}

// childItems fetches full work items for the direct children of id.
func (a *Adapter) childItems(ctx context.Context, id string) ([]types.WorkItem, error) {
	numID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	wiql := fmt.Sprintf(
		"SELECT [System.Id] FROM WorkItems WHERE [System.Parent] = %d ORDER BY [System.Id] ASC",
		numID)
	ids, err := a.client.queryIDs(ctx, wiql)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := a.client.fetchBatch(ctx, ids)
	if err != nil {
		return nil, err
	}
	items := make([]types.WorkItem, 0, len(raw))
	for i := range raw {
		items = append(items, *toWorkItem(&raw[i]))
	}
	return items, nil
}

// ListByType returns the IDs of all items of the given type in the project.
func (a *Adapter) ListByType(ctx context.Context, typ types.RootType) ([]string, error) {
	wiql := fmt.Sprintf(
		"SELECT [System.Id] FROM WorkItems WHERE [System.TeamProject] = '%s' AND [System.WorkItemType] = '%s' ORDER BY [System.Id] ASC",
		escapeWIQL(a.client.Project), escapeWIQL(string(typ)))
	ids, err := a.client.queryIDs(ctx, wiql)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.Itoa(id)
	}
	return out, nil
}

// Create makes a new work item, optionally linked under parentID.
func (a *Adapter) Create(ctx context.Context, typ types.RootType, fields tracker.Fields, parentID string) (string, error) {
	ops := []PatchOperation{
		{Op: "add", Path: "/fields/System.Title", Value: fields.Title},
	}

	if desc := buildDescription(fields); desc != "" {
		ops = append(ops, PatchOperation{
			Op: "add", Path: "/fields/System.Description", Value: desc,
		})
	}
	if p := priorityValue(fields.Priority); p > 0 {
		ops = append(ops, PatchOperation{
			Op: "add", Path: "/fields/Microsoft.VSTS.Common.Priority", Value: p,
		})
	}
	if len(fields.Steps) > 0 {
		ops = append(ops, PatchOperation{
			Op: "add", Path: "/fields/Microsoft.VSTS.TCM.Steps",
			Value: FormatTestSteps(fields.Steps, fields.ExpectedResult),
		})
	}
	if parentID != "" {
		parent, err := parseID(parentID)
		if err != nil {
			return "", err
		}
		ops = append(ops, PatchOperation{
			Op: "add", Path: "/relations/-",
			Value: map[string]interface{}{
				"rel": "System.LinkTypes.Hierarchy-Reverse",
				"url": a.client.workItemURL(parent),
			},
		})
	}

	wi, err := a.client.createWorkItem(ctx, string(typ), ops)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(wi.ID), nil
}

// Update rewrites the given fields of an existing item. Empty fields are
// left untouched.
func (a *Adapter) Update(ctx context.Context, id string, fields tracker.Fields) error {
	numID, err := parseID(id)
	if err != nil {
		return err
	}

	var ops []PatchOperation
	if fields.Title != "" {
		ops = append(ops, PatchOperation{Op: "add", Path: "/fields/System.Title", Value: fields.Title})
	}
	if desc := buildDescription(fields); desc != "" {
		ops = append(ops, PatchOperation{Op: "add", Path: "/fields/System.Description", Value: desc})
	}
	if p := priorityValue(fields.Priority); p > 0 {
		ops = append(ops, PatchOperation{Op: "add", Path: "/fields/Microsoft.VSTS.Common.Priority", Value: p})
	}
	if len(fields.Steps) > 0 {
		ops = append(ops, PatchOperation{
			Op: "add", Path: "/fields/Microsoft.VSTS.TCM.Steps",
			Value: FormatTestSteps(fields.Steps, fields.ExpectedResult),
		})
	}
	if len(ops) == 0 {
		return nil
	}

	_, err = a.client.updateWorkItem(ctx, numID, ops)
	return err
}

// LinkParentChild adds a hierarchy link between two existing items.
func (a *Adapter) LinkParentChild(ctx context.Context, parentID, childID string) error {
	parent, err := parseID(parentID)
	if err != nil {
		return err
	}
	child, err := parseID(childID)
	if err != nil {
		return err
	}
	ops := []PatchOperation{{
		Op: "add", Path: "/relations/-",
		Value: map[string]interface{}{
			"rel": "System.LinkTypes.Hierarchy-Reverse",
			"url": a.client.workItemURL(parent),
		},
	}}
	_, err = a.client.updateWorkItem(ctx, child, ops)
	return err
}

// Exists reports whether id resolves. A definite "not found" is
// (false, nil); transient failures surface as errors.
func (a *Adapter) Exists(ctx context.Context, id string) (bool, error) {
	_, err := a.GetRoot(ctx, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, tracker.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func parseID(id string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(id))
	if err != nil {
		return 0, fmt.Errorf("invalid work item id %q: %w", id, err)
	}
	return n, nil
}

func toWorkItem(wi *WorkItem) *types.WorkItem {
	return &types.WorkItem{
		ID:            strconv.Itoa(wi.ID),
		Type:          types.ParseRootType(wi.Fields.WorkItemType),
		Title:         wi.Fields.Title,
		Description:   stripHTML(wi.Fields.Description),
		State:         wi.Fields.State,
		Priority:      priorityString(wi.Fields.Priority),
		AreaPath:      wi.Fields.AreaPath,
		IterationPath: wi.Fields.IterationPath,
		LastModified:  parseADOTime(wi.Fields.ChangedDate),
	}
}

func parseADOTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// buildDescription renders the description plus acceptance criteria as
// the HTML Azure DevOps expects in System.Description.
func buildDescription(fields tracker.Fields) string {
	var b strings.Builder
	if fields.Description != "" {
		b.WriteString("<div>")
		b.WriteString(html.EscapeString(fields.Description))
		b.WriteString("</div>")
	}
	if len(fields.AcceptanceCriteria) > 0 {
		b.WriteString("<div><b>Acceptance Criteria:</b><ul>")
		for _, ac := range fields.AcceptanceCriteria {
			b.WriteString("<li>")
			b.WriteString(html.EscapeString(ac))
			b.WriteString("</li>")
		}
		b.WriteString("</ul></div>")
	}
	if len(fields.Preconditions) > 0 {
		b.WriteString("<div><b>Preconditions:</b><ul>")
		for _, p := range fields.Preconditions {
			b.WriteString("<li>")
			b.WriteString(html.EscapeString(p))
			b.WriteString("</li>")
		}
		b.WriteString("</ul></div>")
	}
	return b.String()
}

// priorityValue maps a priority label to the ADO numeric scale.
func priorityValue(p string) int {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "critical", "1":
		return 1
	case "high", "2":
		return 2
	case "medium", "3":
		return 3
	case "low", "4":
		return 4
	default:
		return 0
	}
}

func priorityString(p int) string {
	if p == 0 {
		return ""
	}
	return strconv.Itoa(p)
}

// stripHTML reduces ADO's HTML descriptions to comparable plain text.
// Tags are dropped and entities unescaped; whitespace is collapsed.
func stripHTML(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
			b.WriteRune(' ')
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(html.UnescapeString(b.String())), " ")
}

// escapeWIQL doubles single quotes inside WIQL string literals.
func escapeWIQL(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
