package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/pvolkov/streamrelay/internal/api/models"
	"github.com/pvolkov/streamrelay/internal/metadata"
)

// registerDetectionRoutes registers the detection index endpoints
func (s *Server) registerDetectionRoutes() {
	// Insert a detection batch
	huma.Register(s.api, huma.Operation{
		OperationID: "insert-detections",
		Method:      http.MethodPost,
		Path:        "/api/streams/{stream_id}/detections",
		Summary:     "Insert Detections",
		Description: "Submit a batch of detection records for a running stream",
		Tags:        []string{"detections"},
		Errors:      []int{401, 409, 422},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.DetectionInsertRequest) (*models.DetectionInsertResponse, error) {
		records := make([]metadata.Record, len(input.Body.Detections))
		for i, d := range input.Body.Detections {
			records[i] = metadata.Record{
				PTS:               d.PTS,
				TopLeftCorner:     d.TopLeftCorner,
				BottomRightCorner: d.BottomRightCorner,
				ClassName:         d.ClassName,
				Confidence:        d.Confidence,
			}
		}

		inserted, remaining, err := s.detections.Insert(input.StreamID, records)
		if err != nil {
			if errors.Is(err, metadata.ErrStreamNotRunning) {
				return nil, huma.Error409Conflict("stream has no running session", err)
			}
			return nil, huma.Error500InternalServerError("failed to insert detections", err)
		}

		return &models.DetectionInsertResponse{
			Body: models.DetectionInsertData{Inserted: inserted, RemainingBuckets: remaining},
		}, nil
	})

	// Query a pts range
	huma.Register(s.api, huma.Operation{
		OperationID: "query-detections-range",
		Method:      http.MethodGet,
		Path:        "/api/streams/{stream_id}/detections",
		Summary:     "Query Detections",
		Description: "Get pts buckets inside an inclusive window, ordered ascending",
		Tags:        []string{"detections"},
		Errors:      []int{401, 422},
		Security:    withAuth(),
	}, func(ctx context.Context, input *struct {
		StreamID int   `path:"stream_id" example:"1" doc:"Stream identifier"`
		FromPTS  int64 `query:"from_pts" example:"90000" doc:"Window start, presentation timestamp"`
		ToPTS    int64 `query:"to_pts" example:"180000" doc:"Window end, presentation timestamp"`
	}) (*models.DetectionRangeResponse, error) {
		buckets := s.detections.QueryRange(input.StreamID, input.FromPTS, input.ToPTS)
		return &models.DetectionRangeResponse{
			Body: models.DetectionRangeData{
				StreamID: input.StreamID,
				Buckets:  buckets,
				Count:    len(buckets),
			},
		}, nil
	})

	// Query the nearest bucket
	huma.Register(s.api, huma.Operation{
		OperationID: "query-detections-nearest",
		Method:      http.MethodGet,
		Path:        "/api/streams/{stream_id}/detections/nearest",
		Summary:     "Nearest Detections",
		Description: "Get the detection bucket closest to a pts, within a tolerance window",
		Tags:        []string{"detections"},
		Errors:      []int{401, 404, 422},
		Security:    withAuth(),
	}, func(ctx context.Context, input *struct {
		StreamID  int   `path:"stream_id" example:"1" doc:"Stream identifier"`
		PTS       int64 `query:"pts" example:"90000" doc:"Query presentation timestamp"`
		Tolerance int64 `query:"tolerance_pts" default:"9000" doc:"Maximum pts distance to match"`
	}) (*models.DetectionNearestResponse, error) {
		detections, pts, ok := s.detections.QueryNearest(input.StreamID, input.PTS, input.Tolerance)
		if !ok {
			return nil, huma.Error404NotFound("no detection bucket within tolerance")
		}
		return &models.DetectionNearestResponse{
			Body: models.DetectionNearestData{
				StreamID:   input.StreamID,
				PTS:        pts,
				Detections: detections,
			},
		}, nil
	})

	// Manual retention sweep
	huma.Register(s.api, huma.Operation{
		OperationID: "cleanup-detections",
		Method:      http.MethodPost,
		Path:        "/api/detections/cleanup",
		Summary:     "Cleanup Detections",
		Description: "Evict detection records older than the retention window across all streams",
		Tags:        []string{"detections"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(ctx context.Context, input *struct{}) (*models.CleanupResponse, error) {
		cleaned, removed := s.detections.EvictAged()
		return &models.CleanupResponse{
			Body: models.CleanupData{
				StreamsCleaned: cleaned,
				RecordsRemoved: removed,
			},
		}, nil
	})
}
