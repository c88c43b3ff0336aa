package webhook

// Payload shapes for the two event families the service acts on. Fields the
// service never reads are omitted; unknown JSON fields are ignored on decode.

// IssuesEvent is the payload of an "issues" event.
type IssuesEvent struct {
	Action       string       `json:"action"`
	Label        *Label       `json:"label,omitempty"`
	Issue        Issue        `json:"issue"`
	Repository   Repository   `json:"repository"`
	Installation Installation `json:"installation"`
}

// InstallationEvent is the payload of an "installation" event.
type InstallationEvent struct {
	Action       string       `json:"action"`
	Installation Installation `json:"installation"`
}

// Label is the label attached or removed by the event.
type Label struct {
	Name string `json:"name"`
}

// Issue is the issue the event concerns.
type Issue struct {
	Number int     `json:"number"`
	Title  string  `json:"title"`
	Body   string  `json:"body"`
	State  string  `json:"state"`
	Labels []Label `json:"labels,omitempty"`
}

// Repository identifies the repository the event concerns.
type Repository struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Owner    Owner  `json:"owner"`
}

// Owner is the account owning the repository.
type Owner struct {
	Login string `json:"login"`
}

// Installation identifies the app installation delivering the event.
type Installation struct {
	ID int64 `json:"id"`
}
