package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"yieldline/internal/engine"
	"yieldline/internal/ingest"
	"yieldline/internal/logger"
	"yieldline/internal/repo"
)

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check with record counts",
		Tags:        []string{"meta"},
	}, func(ctx context.Context, _ *struct{}) (*response[HealthResponse], error) {
		h, err := e.Health(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(HealthResponse{Status: "ok", Health: h}), nil
	})
}

func registerSchema(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-schema",
		Method:      http.MethodGet,
		Path:        "/schema",
		Summary:     "Process flow with CTQ definitions",
		Tags:        []string{"meta"},
	}, func(ctx context.Context, _ *struct{}) (*response[[]engine.SchemaStep], error) {
		steps, err := e.Schema(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(steps)), nil
	})
}

func registerStations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "station-metrics",
		Method:      http.MethodGet,
		Path:        "/stations",
		Summary:     "Per-station yield over a trailing window",
		Tags:        []string{"yield"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Window string `query:"window" enum:"last8h,last24h,last7d" default:"last24h"`
	}) (*response[engine.StationReport], error) {
		report, err := e.StationMetrics(ctx, input.Window)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(report), nil
	})
}

func registerOverview(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "line-overview",
		Method:      http.MethodGet,
		Path:        "/overview",
		Summary:     "Line FPY, RTY and rates with time buckets",
		Tags:        []string{"yield"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RangeHours int    `query:"range_hours" minimum:"0" maximum:"8760"`
		Bucket     string `query:"bucket" enum:"hour,shift,day,week" default:"day"`
	}) (*response[engine.LineOverview], error) {
		out, err := e.LineOverview(ctx, engine.LineOverviewOptions{RangeHours: input.RangeHours, Bucket: input.Bucket})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(out), nil
	})
}

func registerTrends(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "trend-scenarios",
		Method:      http.MethodGet,
		Path:        "/trends",
		Summary:     "Station regressions between the baseline and current windows",
		Tags:        []string{"trends"},
	}, func(ctx context.Context, _ *struct{}) (*response[engine.TrendReport], error) {
		report, err := e.Trends(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(report), nil
	})
}

func registerFlow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "rework-flow",
		Method:      http.MethodGet,
		Path:        "/flow",
		Summary:     "Step transition graph with rework and scrap edges",
		Tags:        []string{"flow"},
	}, func(ctx context.Context, input *struct {
		Hours int `query:"hours" minimum:"0" maximum:"8760" doc:"trailing range; 0 uses the configured default"`
	}) (*response[engine.FlowReport], error) {
		report, err := e.ReworkFlow(ctx, input.Hours)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(report), nil
	})
}

func registerEpisodes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-episodes",
		Method:      http.MethodGet,
		Path:        "/episodes",
		Summary:     "List root-cause episodes",
		Tags:        []string{"episodes"},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		Category string `query:"category"`
		Search   string `query:"q" doc:"case-insensitive match on title or summary"`
	}) (*response[[]engine.EpisodeSummary], error) {
		items, err := e.ListEpisodes(ctx, repo.EpisodeFilter{Status: input.Status, Category: input.Category, Search: input.Search})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-episode",
		Method:      http.MethodGet,
		Path:        "/episodes/{id}",
		Summary:     "Episode with resolved associations",
		Tags:        []string{"episodes"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*response[engine.EpisodeDetail], error) {
		d, err := e.Episode(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "similar-episodes",
		Method:      http.MethodPost,
		Path:        "/episodes/similar",
		Summary:     "Rank past episodes against an incident context",
		Tags:        []string{"episodes"},
	}, func(ctx context.Context, input *struct {
		Body SimilarEpisodesRequest
	}) (*response[SimilarEpisodesResponse], error) {
		matches, err := e.SimilarEpisodes(ctx, input.Body.SimilarityQuery, input.Body.TopN)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(SimilarEpisodesResponse{Query: input.Body.SimilarityQuery, Matches: nonNilSlice(matches)}), nil
	})
}

func registerUnits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "unit-trace",
		Method:      http.MethodGet,
		Path:        "/units/{serial}",
		Summary:     "Execution history of one unit",
		Tags:        []string{"units"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Serial string `path:"serial"`
	}) (*response[engine.UnitTrace], error) {
		trace, err := e.UnitTrace(ctx, input.Serial)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(trace), nil
	})
}

func registerCTQs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "ctq-summary",
		Method:      http.MethodGet,
		Path:        "/ctqs/{id}/summary",
		Summary:     "Distribution and out-of-spec rate for one CTQ",
		Tags:        []string{"ctq"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id"`
		Days int   `query:"days" minimum:"0" maximum:"365"`
	}) (*response[engine.CTQSummary], error) {
		out, err := e.CTQSummary(ctx, input.ID, input.Days)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lot-heatmap",
		Method:      http.MethodGet,
		Path:        "/heatmaps/lots",
		Summary:     "Out-of-spec rate by component lot and CTQ",
		Tags:        []string{"ctq"},
	}, func(ctx context.Context, input *struct {
		Days int `query:"days" minimum:"0" maximum:"365"`
	}) (*response[engine.LotHeatmap], error) {
		out, err := e.LotHeatmap(ctx, input.Days)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(out), nil
	})
}

func registerQuality(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "data-quality",
		Method:      http.MethodGet,
		Path:        "/data-quality",
		Summary:     "Coverage, duplicates, ordering and measurement gaps",
		Tags:        []string{"meta"},
	}, func(ctx context.Context, _ *struct{}) (*response[engine.DataQuality], error) {
		out, err := e.DataQuality(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(out), nil
	})
}

func registerImports(api huma.API, r repo.Repo, log *zap.SugaredLogger) {
	huma.Register(api, huma.Operation{
		OperationID:   "import-snapshot",
		Method:        http.MethodPost,
		Path:          "/imports",
		Summary:       "Import a YAML or JSON snapshot",
		Tags:          []string{"imports"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		RawBody []byte
	}) (*response[ImportResponse], error) {
		if len(input.RawBody) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "snapshot body required", nil)
		}
		snap, err := ingest.Parse(input.RawBody)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		requestID := requestIDFromContext(ctx)
		res, err := ingest.Apply(ctx, r, snap, ingest.Options{
			ActorID: actorFromContext(ctx),
			Source:  "api",
			Log:     log.With(logger.FieldRequestID, requestID),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ImportResponse{Result: res, RequestID: requestID, Records: snap.Size()}), nil
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent import events",
		Tags:        []string{"imports"},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*response[listEvents], error) {
		items, err := r.ListEvents(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		resp := listEvents{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return respond(resp), nil
	})
}
