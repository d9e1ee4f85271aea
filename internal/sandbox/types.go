package sandbox

// Response is implemented by every sandbox service reply.
type Response interface {
	OK() bool
	ErrorText() string
	fail(msg string)
}

// BaseResponse carries the success flag every endpoint returns.
type BaseResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func (b *BaseResponse) OK() bool          { return b.Success }
func (b *BaseResponse) ErrorText() string { return b.Error }
func (b *BaseResponse) fail(msg string) {
	b.Success = false
	b.Error = msg
}

// FileObject is a file path with its full contents.
type FileObject struct {
	FilePath     string `json:"filePath" validate:"required"`
	FileContents string `json:"fileContents"`
}

// BootstrapRequest creates a new instance from a template.
type BootstrapRequest struct {
	TemplateName string            `json:"templateName" validate:"required"`
	ProjectName  string            `json:"projectName" validate:"required"`
	WebhookURL   string            `json:"webhookUrl,omitempty" validate:"omitempty,url"`
	EnvVars      map[string]string `json:"envVars,omitempty"`
}

// BootstrapResponse is returned by instance creation.
type BootstrapResponse struct {
	BaseResponse
	RunID       string `json:"runId,omitempty" validate:"required_if=Success true"`
	PreviewURL  string `json:"previewURL,omitempty"`
	TunnelURL   string `json:"tunnelURL,omitempty"`
	ProcessID   string `json:"processId,omitempty"`
	AllocatedAt string `json:"allocatedAt,omitempty"`
}

// InstanceDetails describes a running instance.
type InstanceDetails struct {
	RunID        string   `json:"runId" validate:"required"`
	TemplateName string   `json:"templateName,omitempty"`
	ProjectName  string   `json:"projectName,omitempty"`
	StartTime    string   `json:"startTime,omitempty"`
	Uptime       float64  `json:"uptime,omitempty"`
	PreviewURL   string   `json:"previewURL,omitempty"`
	TunnelURL    string   `json:"tunnelURL,omitempty"`
	Directory    string   `json:"directory,omitempty"`
	ServiceDir   string   `json:"serviceDirectory,omitempty"`
	FileTree     []string `json:"fileTree,omitempty"`
	RuntimeErrs  int      `json:"runtimeErrors,omitempty"`
}

// GetInstanceResponse wraps instance details.
type GetInstanceResponse struct {
	BaseResponse
	Instance *InstanceDetails `json:"instance,omitempty" validate:"required_if=Success true"`
}

// BootstrapStatusResponse reports instance readiness.
type BootstrapStatusResponse struct {
	BaseResponse
	Pending    bool   `json:"pending"`
	IsHealthy  bool   `json:"isHealthy"`
	PreviewURL string `json:"previewURL,omitempty"`
	TunnelURL  string `json:"tunnelURL,omitempty"`
	ProcessID  string `json:"processId,omitempty"`
}

// WriteFilesRequest writes a batch of files.
type WriteFilesRequest struct {
	Files         []FileObject `json:"files" validate:"required,dive"`
	CommitMessage string       `json:"commitMessage,omitempty"`
}

// FileWriteResult is the per-file outcome of a write.
type FileWriteResult struct {
	File    string `json:"file"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// WriteFilesResponse reports per-file write outcomes.
type WriteFilesResponse struct {
	BaseResponse
	Results []FileWriteResult `json:"results,omitempty"`
}

// FileReadError is a file that could not be read.
type FileReadError struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// GetFilesResponse returns file contents.
type GetFilesResponse struct {
	BaseResponse
	Files  []FileObject    `json:"files,omitempty" validate:"dive"`
	Errors []FileReadError `json:"errors,omitempty"`
}

// ExecuteCommandsRequest runs shell commands inside the instance.
type ExecuteCommandsRequest struct {
	Commands []string `json:"commands" validate:"required,min=1,dive,required"`
	Timeout  int      `json:"timeout,omitempty" validate:"gte=0"`
}

// CommandResult is one command's outcome.
type CommandResult struct {
	Command  string `json:"command"`
	Success  bool   `json:"success"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exitCode"`
}

// ExecuteCommandsResponse returns per-command results.
type ExecuteCommandsResponse struct {
	BaseResponse
	Results []CommandResult `json:"results,omitempty"`
}

// RuntimeError is an error captured from the running app.
type RuntimeError struct {
	Timestamp string `json:"timestamp,omitempty"`
	Level     int    `json:"level,omitempty"`
	Message   string `json:"message"`
	Source    string `json:"source,omitempty"`
	Stack     string `json:"stack,omitempty"`
}

// RuntimeErrorResponse lists the instance's runtime errors.
type RuntimeErrorResponse struct {
	BaseResponse
	Errors    []RuntimeError `json:"errors,omitempty"`
	HasErrors bool           `json:"hasErrors"`
}

// ClearErrorsResponse reports how many errors were cleared.
type ClearErrorsResponse struct {
	BaseResponse
	ClearedCount int `json:"clearedCount"`
}

// CodeIssue is a single lint or typecheck finding.
type CodeIssue struct {
	Message  string `json:"message"`
	FilePath string `json:"filePath"`
	Line     int    `json:"line"`
	Column   int    `json:"column,omitempty"`
	Severity string `json:"severity"`
	RuleID   string `json:"ruleId,omitempty"`
	Source   string `json:"source,omitempty"`
}

// AnalysisSummary counts issues by severity.
type AnalysisSummary struct {
	TotalIssues  int `json:"totalIssues"`
	ErrorCount   int `json:"errorCount"`
	WarningCount int `json:"warningCount"`
	InfoCount    int `json:"infoCount"`
}

// AnalysisResult groups findings from one analyzer.
type AnalysisResult struct {
	Issues  []CodeIssue      `json:"issues"`
	Summary *AnalysisSummary `json:"summary,omitempty"`
	RawOut  string           `json:"rawOutput,omitempty"`
}

// StaticAnalysisResponse returns lint and typecheck findings.
type StaticAnalysisResponse struct {
	BaseResponse
	Lint      AnalysisResult `json:"lint"`
	Typecheck AnalysisResult `json:"typecheck"`
}

// IssueCount returns the number of lint and typecheck issues combined.
func (r *StaticAnalysisResponse) IssueCount() int {
	return len(r.Lint.Issues) + len(r.Typecheck.Issues)
}

// DeploymentResult is returned by a deploy.
type DeploymentResult struct {
	BaseResponse
	DeployedURL  string `json:"deployedUrl,omitempty" validate:"required_if=Success true"`
	DeploymentID string `json:"deploymentId,omitempty"`
	Output       string `json:"output,omitempty"`
}

// ShutdownResponse acknowledges a shutdown.
type ShutdownResponse struct {
	BaseResponse
}

// GitHubPushRequest identifies the target repository for a push.
type GitHubPushRequest struct {
	CloneURL          string `json:"cloneUrl" validate:"required,url"`
	RepositoryHTMLURL string `json:"repositoryHtmlUrl,omitempty"`
	IsPrivate         bool   `json:"isPrivate"`
	Token             string `json:"token" validate:"required"`
	Email             string `json:"email" validate:"required,email"`
	Username          string `json:"username" validate:"required"`
}

// GitHubPushResponse reports the pushed commit.
type GitHubPushResponse struct {
	BaseResponse
	CommitSHA     string `json:"commitSha,omitempty"`
	RepositoryURL string `json:"repositoryUrl,omitempty"`
}

// ListInstancesResponse lists every instance across sessions.
type ListInstancesResponse struct {
	BaseResponse
	Instances []InstanceDetails `json:"instances,omitempty"`
	Count     int               `json:"count"`
}

// LogStreams holds captured process output.
type LogStreams struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// GetLogsResponse returns instance logs.
type GetLogsResponse struct {
	BaseResponse
	Logs LogStreams `json:"logs"`
}

// UpdateNameResponse acknowledges a rename.
type UpdateNameResponse struct {
	BaseResponse
}

// WriteLogsResponse acknowledges a service-side log write.
type WriteLogsResponse struct {
	BaseResponse
}

// TemplateInfo is one entry in the template catalogue.
type TemplateInfo struct {
	Name        string   `json:"name" validate:"required"`
	Language    string   `json:"language,omitempty"`
	Frameworks  []string `json:"frameworks,omitempty"`
	Description struct {
		Selection string `json:"selection,omitempty"`
		Usage     string `json:"usage,omitempty"`
	} `json:"description"`
}

// ListTemplatesResponse lists available templates.
type ListTemplatesResponse struct {
	BaseResponse
	Templates []TemplateInfo `json:"templates,omitempty" validate:"dive"`
}

// TemplateDetails is a template with its starter files.
type TemplateDetails struct {
	Name           string       `json:"name" validate:"required"`
	Description    string       `json:"description,omitempty"`
	Files          []FileObject `json:"files,omitempty" validate:"dive"`
	ImportantFiles []string     `json:"importantFiles,omitempty"`
	DontTouchFiles []string     `json:"dontTouchFiles,omitempty"`
	RedactedFiles  []string     `json:"redactedFiles,omitempty"`
}

// TemplateDetailsResponse wraps template details.
type TemplateDetailsResponse struct {
	BaseResponse
	TemplateDetails *TemplateDetails `json:"templateDetails,omitempty" validate:"required_if=Success true"`
}
