package agent

import "time"

// Source identifies the repository a job works against.
type Source struct {
	Repository string `json:"repository"`
	Ref        string `json:"ref,omitempty"`
}

// Options tune how the backend runs a job.
type Options struct {
	Model        string
	AutoCreatePR bool
	BranchName   string
}

type CreateRequest struct {
	Prompt  string
	Source  Source
	Options Options
}

// Target is where a job writes its result.
type Target struct {
	BranchName   string `json:"branchName,omitempty"`
	URL          string `json:"url,omitempty"`
	PRURL        string `json:"prUrl,omitempty"`
	AutoCreatePR bool   `json:"autoCreatePr,omitempty"`
}

// Job is the backend's view of one remote job. Status is the raw backend
// string; callers map it with registry.ParseStatus.
type Job struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Status    string    `json:"status"`
	Summary   string    `json:"summary,omitempty"`
	Source    Source    `json:"source"`
	Target    Target    `json:"target"`
	CreatedAt time.Time `json:"createdAt"`
}

// Page is one page of ListJobs. NextCursor is empty on the last page.
type Page struct {
	Jobs       []Job  `json:"agents"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type promptPayload struct {
	Text string `json:"text"`
}

type createPayload struct {
	Prompt promptPayload `json:"prompt"`
	Source Source        `json:"source"`
	Target *Target       `json:"target,omitempty"`
	Model  string        `json:"model,omitempty"`
}

type followupPayload struct {
	Prompt promptPayload `json:"prompt"`
}

type idPayload struct {
	ID string `json:"id"`
}
