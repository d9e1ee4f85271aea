package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

func applyCallOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// CreateInstance bootstraps a new instance from templateName.
func (c *Client) CreateInstance(ctx context.Context, templateName, projectName, webhookURL string, envVars map[string]string, opts ...CallOption) *BootstrapResponse {
	out := &BootstrapResponse{}
	c.do(ctx, request{
		method: http.MethodPost,
		path:   "/instances",
		body: &BootstrapRequest{
			TemplateName: templateName,
			ProjectName:  projectName,
			WebhookURL:   webhookURL,
			EnvVars:      envVars,
		},
		validate: true,
		reset:    applyCallOptions(opts).reset,
	}, out)
	return out
}

// GetInstanceDetails returns details for instanceID.
func (c *Client) GetInstanceDetails(ctx context.Context, instanceID string) *GetInstanceResponse {
	out := &GetInstanceResponse{}
	c.do(ctx, request{method: http.MethodGet, path: instancePath(instanceID, ""), validate: true}, out)
	return out
}

// GetInstanceStatus reports whether instanceID is up.
func (c *Client) GetInstanceStatus(ctx context.Context, instanceID string) *BootstrapStatusResponse {
	out := &BootstrapStatusResponse{}
	c.do(ctx, request{method: http.MethodGet, path: instancePath(instanceID, "/status"), validate: true}, out)
	return out
}

// WriteFiles writes files into instanceID.
func (c *Client) WriteFiles(ctx context.Context, instanceID string, files []FileObject, commitMessage string) *WriteFilesResponse {
	out := &WriteFilesResponse{}
	c.do(ctx, request{
		method:   http.MethodPost,
		path:     instancePath(instanceID, "/files"),
		body:     &WriteFilesRequest{Files: files, CommitMessage: commitMessage},
		validate: true,
	}, out)
	return out
}

// GetFiles reads paths from instanceID; no paths reads every file.
func (c *Client) GetFiles(ctx context.Context, instanceID string, paths []string) *GetFilesResponse {
	path := instancePath(instanceID, "/files")
	if len(paths) > 0 {
		encoded, _ := json.Marshal(paths)
		path += "?filePaths=" + url.QueryEscape(string(encoded))
	}
	out := &GetFilesResponse{}
	c.do(ctx, request{method: http.MethodGet, path: path, validate: true}, out)
	return out
}

// ExecuteCommands runs commands in instanceID. timeout is in milliseconds; zero uses the service default.
func (c *Client) ExecuteCommands(ctx context.Context, instanceID string, commands []string, timeout int, opts ...CallOption) *ExecuteCommandsResponse {
	out := &ExecuteCommandsResponse{}
	c.do(ctx, request{
		method:   http.MethodPost,
		path:     instancePath(instanceID, "/commands"),
		body:     &ExecuteCommandsRequest{Commands: commands, Timeout: timeout},
		validate: true,
		reset:    applyCallOptions(opts).reset,
	}, out)
	return out
}

// GetInstanceErrors returns runtime errors captured from the app.
func (c *Client) GetInstanceErrors(ctx context.Context, instanceID string) *RuntimeErrorResponse {
	out := &RuntimeErrorResponse{}
	c.do(ctx, request{method: http.MethodGet, path: instancePath(instanceID, "/errors"), validate: true}, out)
	return out
}

// ClearInstanceErrors discards captured runtime errors.
func (c *Client) ClearInstanceErrors(ctx context.Context, instanceID string) *ClearErrorsResponse {
	out := &ClearErrorsResponse{}
	c.do(ctx, request{method: http.MethodDelete, path: instancePath(instanceID, "/errors"), validate: true}, out)
	return out
}

// RunStaticAnalysis lints and typechecks files, or the whole project when empty.
func (c *Client) RunStaticAnalysis(ctx context.Context, instanceID string, files []string) *StaticAnalysisResponse {
	path := instancePath(instanceID, "/analysis")
	if len(files) > 0 {
		path += "?files=" + url.QueryEscape(strings.Join(files, ","))
	}
	out := &StaticAnalysisResponse{}
	c.do(ctx, request{method: http.MethodGet, path: path, validate: true}, out)
	return out
}

// Deploy publishes instanceID and returns its deployed URL.
func (c *Client) Deploy(ctx context.Context, instanceID string) *DeploymentResult {
	out := &DeploymentResult{}
	c.do(ctx, request{method: http.MethodPost, path: instancePath(instanceID, "/deploy"), validate: true}, out)
	return out
}

// ShutdownInstance stops instanceID.
func (c *Client) ShutdownInstance(ctx context.Context, instanceID string) *ShutdownResponse {
	out := &ShutdownResponse{}
	c.do(ctx, request{method: http.MethodDelete, path: instancePath(instanceID, ""), validate: true}, out)
	return out
}

type pushBody struct {
	Request GitHubPushRequest `json:"request"`
	Files   []FileObject      `json:"files" validate:"dive"`
}

// PushToGitHub pushes files to an existing repository.
func (c *Client) PushToGitHub(ctx context.Context, instanceID string, req GitHubPushRequest, files []FileObject) *GitHubPushResponse {
	out := &GitHubPushResponse{}
	c.do(ctx, request{
		method:   http.MethodPost,
		path:     instancePath(instanceID, "/github/push"),
		body:     &pushBody{Request: req, Files: files},
		validate: true,
	}, out)
	return out
}

// ListAllInstances lists instances across every session.
func (c *Client) ListAllInstances(ctx context.Context) *ListInstancesResponse {
	out := &ListInstancesResponse{}
	c.do(ctx, request{method: http.MethodGet, path: "/instances"}, out)
	return out
}

type updateNameBody struct {
	ProjectName string `json:"projectName" validate:"required"`
}

// UpdateProjectName renames the project inside instanceID.
func (c *Client) UpdateProjectName(ctx context.Context, instanceID, projectName string) *UpdateNameResponse {
	out := &UpdateNameResponse{}
	c.do(ctx, request{
		method: http.MethodPost,
		path:   instancePath(instanceID, "/name"),
		body:   &updateNameBody{ProjectName: projectName},
	}, out)
	return out
}

// GetLogs returns process output. onlyRecent returns only output since the last read.
func (c *Client) GetLogs(ctx context.Context, instanceID string, onlyRecent bool, durationSeconds int) *GetLogsResponse {
	params := url.Values{}
	if onlyRecent {
		params.Set("reset", "true")
	}
	if durationSeconds > 0 {
		params.Set("duration", strconv.Itoa(durationSeconds))
	}
	path := instancePath(instanceID, "/logs")
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	out := &GetLogsResponse{}
	c.do(ctx, request{method: http.MethodGet, path: path}, out)
	return out
}

type fileLogBody struct {
	LogName string `json:"logName" validate:"required"`
	Log     string `json:"log"`
}

// WriteFileLogs appends log to the service-side log file logName.
func (c *Client) WriteFileLogs(ctx context.Context, logName, log string) *WriteLogsResponse {
	out := &WriteLogsResponse{}
	c.do(ctx, request{
		method: http.MethodPost,
		path:   "/logs",
		body:   &fileLogBody{LogName: logName, Log: log},
	}, out)
	return out
}

// ListTemplates returns the template catalogue.
func (c *Client) ListTemplates(ctx context.Context) *ListTemplatesResponse {
	out := &ListTemplatesResponse{}
	c.do(ctx, request{method: http.MethodGet, path: "/templates", validate: true}, out)
	return out
}

// GetTemplateDetails returns a template's starter files.
func (c *Client) GetTemplateDetails(ctx context.Context, name string) *TemplateDetailsResponse {
	out := &TemplateDetailsResponse{}
	c.do(ctx, request{method: http.MethodGet, path: "/templates/" + url.PathEscape(name), validate: true}, out)
	return out
}
