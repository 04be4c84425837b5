// Package models defines the API request and response shapes.
package models

import (
	"github.com/pvolkov/streamrelay/internal/events"
	"github.com/pvolkov/streamrelay/internal/library"
	"github.com/pvolkov/streamrelay/internal/metadata"
	"github.com/pvolkov/streamrelay/internal/streams"
)

// HealthData is the health check payload.
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Health status"`
	Message string `json:"message" example:"API is healthy" doc:"Health message"`
}

// HealthResponse wraps HealthData.
type HealthResponse struct {
	Body HealthData
}

// StreamStatusResponse wraps one stream's status.
type StreamStatusResponse struct {
	Body streams.StreamStatus
}

// StreamListData is the stream listing payload.
type StreamListData struct {
	Streams []streams.StreamStatus `json:"streams" doc:"Status of every known stream"`
	Count   int                    `json:"count" example:"2" doc:"Number of streams"`
}

// StreamListResponse wraps StreamListData.
type StreamListResponse struct {
	Body StreamListData
}

// DetectionRecord is one detection as submitted by the analysis pipeline.
type DetectionRecord struct {
	PTS               int64   `json:"pts" example:"90000" doc:"Presentation timestamp, stream time base units"`
	TopLeftCorner     int     `json:"top_left_corner" doc:"Top left corner of box, pixel index"`
	BottomRightCorner int     `json:"bottom_right_corner" doc:"Bottom right corner of box, pixel index"`
	ClassName         string  `json:"class_name" example:"person" doc:"Object class name"`
	Confidence        float64 `json:"confidence" minimum:"0" maximum:"1" example:"0.92" doc:"Detection confidence"`
}

// DetectionInsertRequest is the payload of a detection batch insert.
type DetectionInsertRequest struct {
	StreamID int `path:"stream_id" example:"1" doc:"Stream identifier"`
	Body     struct {
		Detections []DetectionRecord `json:"detections" minItems:"1" doc:"Batch of detection records"`
	}
}

// DetectionInsertData reports an accepted batch.
type DetectionInsertData struct {
	Inserted         int `json:"inserted" example:"3" doc:"Records accepted into the index"`
	RemainingBuckets int `json:"remaining_bucket_count" example:"12" doc:"Pts buckets held for the stream after retention eviction"`
}

// DetectionInsertResponse wraps DetectionInsertData.
type DetectionInsertResponse struct {
	Body DetectionInsertData
}

// DetectionRangeData is a range query result.
type DetectionRangeData struct {
	StreamID int               `json:"stream_id" example:"1" doc:"Stream identifier"`
	Buckets  []metadata.Bucket `json:"buckets" doc:"Pts buckets ordered ascending"`
	Count    int               `json:"count" example:"5" doc:"Number of buckets"`
}

// DetectionRangeResponse wraps DetectionRangeData.
type DetectionRangeResponse struct {
	Body DetectionRangeData
}

// DetectionNearestData is a nearest-bucket query result.
type DetectionNearestData struct {
	StreamID   int                `json:"stream_id" example:"1" doc:"Stream identifier"`
	PTS        int64              `json:"pts" example:"90000" doc:"Presentation timestamp of the matched bucket"`
	Detections []events.Detection `json:"detections" doc:"Records sharing the matched pts"`
}

// DetectionNearestResponse wraps DetectionNearestData.
type DetectionNearestResponse struct {
	Body DetectionNearestData
}

// CleanupData reports a manual retention sweep.
type CleanupData struct {
	StreamsCleaned int `json:"streams_cleaned" example:"2" doc:"Streams that lost records"`
	RecordsRemoved int `json:"records_removed" example:"120" doc:"Records removed"`
}

// CleanupResponse wraps CleanupData.
type CleanupResponse struct {
	Body CleanupData
}

// SourceRequest registers a media source.
type SourceRequest struct {
	Body struct {
		Name string `json:"name,omitempty" example:"lobby.mp4" doc:"Display name, defaults to the file name"`
		Path string `json:"path" minLength:"1" example:"/media/lobby.mp4" doc:"Media file path"`
	}
}

// SourceResponse wraps one catalog entry.
type SourceResponse struct {
	Body library.Source
}

// SourceListData is the catalog listing payload.
type SourceListData struct {
	Sources []library.Source `json:"sources" doc:"Catalog entries ordered by id"`
	Count   int              `json:"count" example:"3" doc:"Number of sources"`
}

// SourceListResponse wraps SourceListData.
type SourceListResponse struct {
	Body SourceListData
}
