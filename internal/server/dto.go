package server

import (
	"reflect"

	"github.com/danielgtaylor/huma/v2"

	"yieldline/internal/domain"
	"yieldline/internal/engine"
	"yieldline/internal/ingest"
)

// Request payloads

type SimilarEpisodesRequest struct {
	engine.SimilarityQuery
	TopN int `json:"top_n,omitempty" minimum:"0" maximum:"50"`
}

// Response payloads

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
	engine.Health
}

type SimilarEpisodesResponse struct {
	Query   engine.SimilarityQuery `json:"query"`
	Matches []engine.EpisodeMatch  `json:"matches"`
}

type ImportResponse struct {
	ingest.Result
	RequestID string `json:"request_id,omitempty"`
	Records   int    `json:"records"`
}

type EventResponse struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	BatchID string `json:"batch_id"`
	ActorID string `json:"actor_id"`
	Payload any    `json:"payload"`
}

type listEvents struct {
	Items []EventResponse `json:"items"`
}

type response[T any] struct {
	Body T `json:"body"`
}

func respond[T any](body T) *response[T] {
	return &response[T]{Body: body}
}

func eventResponse(e domain.ImportEvent) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		BatchID: e.BatchID,
		ActorID: e.ActorID,
		Payload: domain.ParsePayload([]byte(e.Payload)).Value(),
	}
}

// registerPayloadSchema documents association and metrics blobs as free-form
// JSON rather than as the Go struct that decodes them.
func registerPayloadSchema(api huma.API) {
	api.OpenAPI().Components.Schemas.RegisterTypeAlias(reflect.TypeOf(domain.Payload{}), reflect.TypeOf((*any)(nil)).Elem())
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
