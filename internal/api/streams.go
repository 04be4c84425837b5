package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/pvolkov/streamrelay/internal/api/models"
)

// registerStreamRoutes registers all stream lifecycle endpoints
func (s *Server) registerStreamRoutes() {
	// List all known streams
	huma.Register(s.api, huma.Operation{
		OperationID: "list-streams",
		Method:      http.MethodGet,
		Path:        "/api/streams",
		Summary:     "List Streams",
		Description: "Get the status of every known stream",
		Tags:        []string{"streams"},
		Errors:      []int{401, 500},
		Security:    withAuth(),
	}, func(ctx context.Context, input *struct{}) (*models.StreamListResponse, error) {
		list := s.streams.ListStreams()
		return &models.StreamListResponse{
			Body: models.StreamListData{
				Streams: list,
				Count:   len(list),
			},
		}, nil
	})

	// Start a stream or attach a viewer
	huma.Register(s.api, huma.Operation{
		OperationID: "start-stream",
		Method:      http.MethodPost,
		Path:        "/api/streams/{stream_id}/start",
		Summary:     "Start Stream",
		Description: "Start a stream, or attach another viewer to its running session",
		Tags:        []string{"streams"},
		Errors:      []int{401, 404, 409, 502},
		Security:    withAuth(),
	}, func(ctx context.Context, input *struct {
		StreamID int `path:"stream_id" example:"1" doc:"Stream identifier"`
	}) (*models.StreamStatusResponse, error) {
		status, err := s.streams.StartStream(input.StreamID)
		if err != nil {
			return nil, s.mapStreamError(err)
		}
		return &models.StreamStatusResponse{Body: status}, nil
	})

	// Detach a viewer, stopping on the last one
	huma.Register(s.api, huma.Operation{
		OperationID: "stop-stream",
		Method:      http.MethodPost,
		Path:        "/api/streams/{stream_id}/stop",
		Summary:     "Stop Stream",
		Description: "Detach one viewer; the session stops when the last viewer leaves",
		Tags:        []string{"streams"},
		Errors:      []int{401, 500},
		Security:    withAuth(),
	}, func(ctx context.Context, input *struct {
		StreamID int `path:"stream_id" example:"1" doc:"Stream identifier"`
	}) (*models.StreamStatusResponse, error) {
		status, err := s.streams.StopStream(input.StreamID)
		if err != nil {
			return nil, s.mapStreamError(err)
		}
		return &models.StreamStatusResponse{Body: status}, nil
	})

	// Get stream status
	huma.Register(s.api, huma.Operation{
		OperationID: "get-stream-status",
		Method:      http.MethodGet,
		Path:        "/api/streams/{stream_id}/status",
		Summary:     "Get Stream Status",
		Description: "Get the current state of one stream, reaping a dead session if found",
		Tags:        []string{"streams"},
		Errors:      []int{401, 404, 500},
		Security:    withAuth(),
	}, func(ctx context.Context, input *struct {
		StreamID int `path:"stream_id" example:"1" doc:"Stream identifier"`
	}) (*models.StreamStatusResponse, error) {
		status, err := s.streams.GetStatus(input.StreamID)
		if err != nil {
			return nil, s.mapStreamError(err)
		}
		return &models.StreamStatusResponse{Body: status}, nil
	})
}
