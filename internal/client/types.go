package client

import "time"

// Pie is a project grouping slices under a shared slug.
type Pie struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"createdAt"`
}

// Slice is one running instance of a pie. Responses from slice creation
// additionally carry PieSlug and RouterPort.
type Slice struct {
	ID         string     `json:"id"`
	PieID      string     `json:"pieId"`
	Ordinal    int        `json:"ordinal"`
	Host       string     `json:"host"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	StoppedAt  *time.Time `json:"stoppedAt"`
	Resources  []Resource `json:"resources"`
	PieSlug    string     `json:"pieSlug,omitempty"`
	RouterPort int        `json:"routerPort,omitempty"`
}

// Resource is one protocol binding on a slice.
type Resource struct {
	ID            string    `json:"id"`
	SliceID       string    `json:"sliceId"`
	Key           string    `json:"key"`
	AllocatedPort int       `json:"allocatedPort"`
	Protocol      string    `json:"protocol"`
	Expose        string    `json:"expose"`
	RouteHost     string    `json:"routeHost,omitempty"`
	RouteURL      string    `json:"routeUrl,omitempty"`
	IsPrimaryHTTP bool      `json:"isPrimaryHttp"`
	CreatedAt     time.Time `json:"createdAt"`
}

// CreateResource describes one requested resource binding.
type CreateResource struct {
	Key      string `json:"key"`
	Protocol string `json:"protocol"`
	Expose   string `json:"expose"`
}

// CreateSliceRequest is the request body for creating a slice.
type CreateSliceRequest struct {
	PieID     string           `json:"pieId"`
	Resources []CreateResource `json:"resources"`
}

// Health is the response from the health endpoint.
type Health struct {
	Status     string `json:"status"`
	Port       int    `json:"port"`
	RouterPort int    `json:"routerPort"`
}

// Status is the dashboard snapshot from the status endpoint.
type Status struct {
	Daemon struct {
		Status     string `json:"status"`
		Host       string `json:"host"`
		Port       int    `json:"port"`
		RouterPort int    `json:"routerPort"`
	} `json:"daemon"`
	Pies struct {
		Total int `json:"total"`
	} `json:"pies"`
	Slices struct {
		Total    int `json:"total"`
		ByStatus struct {
			Creating int `json:"creating"`
			Running  int `json:"running"`
			Stopped  int `json:"stopped"`
			Error    int `json:"error"`
		} `json:"byStatus"`
		ByPie []PieBreakdown `json:"byPie"`
	} `json:"slices"`
	GeneratedAt string `json:"generatedAt"`
}

// PieBreakdown is the per-pie slice summary in a status snapshot.
type PieBreakdown struct {
	PieID   string `json:"pieId"`
	PieName string `json:"pieName"`
	PieSlug string `json:"pieSlug"`
	Total   int    `json:"total"`
	Running int    `json:"running"`
}

// APIError is returned when the API returns an error response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}
