package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/pvolkov/streamrelay/internal/api/models"
)

// registerSourceRoutes registers the source catalog endpoints
func (s *Server) registerSourceRoutes() {
	// List catalog
	huma.Register(s.api, huma.Operation{
		OperationID: "list-sources",
		Method:      http.MethodGet,
		Path:        "/api/sources",
		Summary:     "List Sources",
		Description: "Get every registered media source",
		Tags:        []string{"sources"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(ctx context.Context, input *struct{}) (*models.SourceListResponse, error) {
		sources := s.sources.List()
		return &models.SourceListResponse{
			Body: models.SourceListData{
				Sources: sources,
				Count:   len(sources),
			},
		}, nil
	})

	// Register a source
	huma.Register(s.api, huma.Operation{
		OperationID: "add-source",
		Method:      http.MethodPost,
		Path:        "/api/sources",
		Summary:     "Add Source",
		Description: "Probe a media file and register it as a stream source",
		Tags:        []string{"sources"},
		Errors:      []int{400, 401, 422},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.SourceRequest) (*models.SourceResponse, error) {
		src, err := s.sources.Add(ctx, input.Body.Name, input.Body.Path)
		if err != nil {
			return nil, s.mapStreamError(err)
		}
		return &models.SourceResponse{Body: src}, nil
	})

	// Remove a source
	huma.Register(s.api, huma.Operation{
		OperationID: "remove-source",
		Method:      http.MethodDelete,
		Path:        "/api/sources/{source_id}",
		Summary:     "Remove Source",
		Description: "Remove a source and its indexed detections; rejected while its stream runs",
		Tags:        []string{"sources"},
		Errors:      []int{401, 404, 409},
		Security:    withAuth(),
	}, func(ctx context.Context, input *struct {
		SourceID int `path:"source_id" example:"1" doc:"Source identifier"`
	}) (*struct{}, error) {
		if err := s.sources.Remove(input.SourceID); err != nil {
			return nil, s.mapStreamError(err)
		}
		return &struct{}{}, nil
	})
}
