package domain

// ServerDescriptor identifies one judge worker endpoint the dispatcher may
// connect to.
type ServerDescriptor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URI  string `json:"uri"`
}
