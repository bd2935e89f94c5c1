package v1

import "time"

// Project represents a workspace-backed project
type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Alias         string    `json:"alias"`
	Description   string    `json:"description,omitempty"`
	Directory     string    `json:"directory,omitempty"`
	RepositoryURL string    `json:"repositoryUrl,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// CreateProjectRequest for creating a new project
type CreateProjectRequest struct {
	Name          string `json:"name" binding:"required,max=200"`
	Alias         string `json:"alias" binding:"required,max=100"`
	Description   string `json:"description,omitempty"`
	Directory     string `json:"directory,omitempty"`
	RepositoryURL string `json:"repositoryUrl,omitempty"`
}

// UpdateProjectRequest for updating an existing project
type UpdateProjectRequest struct {
	Name          *string `json:"name,omitempty" binding:"omitempty,max=200"`
	Alias         *string `json:"alias,omitempty" binding:"omitempty,max=100"`
	Description   *string `json:"description,omitempty"`
	Directory     *string `json:"directory,omitempty"`
	RepositoryURL *string `json:"repositoryUrl,omitempty"`
}
