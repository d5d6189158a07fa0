package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"yieldline/internal/app"
	"yieldline/internal/engine"
	"yieldline/internal/ingest"
	"yieldline/internal/logger"
	"yieldline/internal/repo"
)

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <snapshot.yml|snapshot.json>",
		Short: "Import a line snapshot",
		Long:  "Import loads steps, CTQs, lots, fixtures, units, executions and episodes in one transaction. A snapshot with any dangling reference is rejected as a whole.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := ingest.Load(args[0])
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				res, err := ingest.Apply(ctx, ws.Repo, snap, ingest.Options{
					ActorID: viper.GetString("actor-id"),
					Source:  args[0],
					Log:     logger.Named("ingest"),
				})
				if err != nil {
					return err
				}
				return printTable(res, table.Row{"Batch", "Steps", "CTQs", "Lots", "Fixtures", "Units", "Executions", "Measurements", "Episodes"},
					[]table.Row{{res.BatchID, res.Steps, res.CTQs, res.Lots, res.Fixtures, res.Units, res.Executions, res.Measurements, res.Episodes}})
			})
		},
	}
}

func stationsCmd() *cobra.Command {
	var window string
	cmd := &cobra.Command{
		Use:   "stations",
		Short: "Per-station FPY, yield, rework and scrap",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				report, err := ws.Engine.StationMetrics(ctx, window)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(report.Stations))
				for _, s := range report.Stations {
					code := s.Code
					if s.IsExcluded {
						code += " (excluded)"
					}
					rows = append(rows, table.Row{code, s.Name, s.Throughput, pct(s.FPY), pct(s.Yield), pct(s.ReworkRate), pct(s.ScrapRate)})
				}
				return printTable(report, table.Row{"Station", "Name", "Units", "FPY", "Yield", "Rework", "Scrap"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&window, "window", "last24h", "trailing window: last8h, last24h or last7d")
	return cmd
}

func overviewCmd() *cobra.Command {
	var hours int
	var bucket string
	cmd := &cobra.Command{
		Use:   "overview",
		Short: "Line FPY and RTY with time buckets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				out, err := ws.Engine.LineOverview(ctx, engine.LineOverviewOptions{RangeHours: hours, Bucket: bucket})
				if err != nil {
					return err
				}
				o := out.Overall
				if !viper.GetBool("json") {
					fmt.Printf("Line FPY %s  RTY %s  units %d  rework %s  scrap %s  status %s (%dh)\n",
						pct(o.LineFPY), pct(o.RTY), o.Throughput, pct(o.ReworkRate), pct(o.ScrapRate), o.Status, o.RangeHours)
				}
				rows := make([]table.Row, 0, len(out.TimeBuckets))
				for _, b := range out.TimeBuckets {
					rows = append(rows, table.Row{b.Label, b.Throughput, pct(b.LineFPY), pct(b.RTY), pct(b.ReworkRate), pct(b.ScrapRate)})
				}
				return printTable(out, table.Row{"Bucket", "Units", "FPY", "RTY", "Rework", "Scrap"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&hours, "range-hours", 0, "trailing range in hours (default 24)")
	cmd.Flags().StringVar(&bucket, "bucket", "day", "bucket size: hour, shift, day or week")
	return cmd
}

func trendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trends",
		Short: "Station regressions versus the baseline window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				report, err := ws.Engine.Trends(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(report.Scenarios))
				for _, s := range report.Scenarios {
					rows = append(rows, table.Row{s.Severity, s.Type, s.StationCode, pct(s.Baseline), pct(s.Current), s.CurrentUnits, s.RecommendedAction})
				}
				return printTable(report, table.Row{"Severity", "Type", "Station", "Baseline", "Current", "Units", "Action"}, rows)
			})
		},
	}
}

func flowCmd() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Step transitions with rework and scrap edges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				report, err := ws.Engine.ReworkFlow(ctx, hours)
				if err != nil {
					return err
				}
				if report.Insufficient && !viper.GetBool("json") {
					fmt.Printf("only %d units in range (need %d); graph omitted\n", report.TotalUnits, report.MinUnits)
					return nil
				}
				rows := make([]table.Row, 0, len(report.Edges))
				for _, e := range report.Edges {
					rows = append(rows, table.Row{e.Source, e.Target, e.Kind, e.Value})
				}
				return printTable(report, table.Row{"From", "To", "Kind", "Units"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 0, "trailing range in hours (default from config)")
	return cmd
}

func similarCmd() *cobra.Command {
	var q engine.SimilarityQuery
	var top int
	cmd := &cobra.Command{
		Use:   "similar",
		Short: "Rank past episodes against an incident context",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				matches, err := ws.Engine.SimilarEpisodes(ctx, q, top)
				if err != nil {
					return err
				}
				return printMatches(matches)
			})
		},
	}
	cmd.Flags().Int64SliceVar(&q.StepIDs, "step", nil, "step ids")
	cmd.Flags().Int64SliceVar(&q.CTQIDs, "ctq", nil, "CTQ ids")
	cmd.Flags().Int64SliceVar(&q.LotIDs, "lot", nil, "lot ids")
	cmd.Flags().Int64SliceVar(&q.FixtureIDs, "fixture", nil, "fixture ids")
	cmd.Flags().StringSliceVar(&q.FailureCodes, "failure-code", nil, "failure codes")
	cmd.Flags().IntVar(&top, "top", 0, "number of matches (default from config)")
	return cmd
}

func printMatches(matches []engine.EpisodeMatch) error {
	rows := make([]table.Row, 0, len(matches))
	for _, m := range matches {
		rows = append(rows, table.Row{m.Episode.ID, m.Episode.Title, m.Episode.Status, m.Score, m.Why})
	}
	return printTable(matches, table.Row{"ID", "Title", "Status", "Score", "Why"}, rows)
}

func unitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unit <serial>",
		Short: "Trace one unit through the line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				trace, err := ws.Engine.UnitTrace(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(trace)
				}
				final := "in progress"
				if trace.FinalResult != nil {
					final = string(*trace.FinalResult)
				}
				fmt.Printf("%s  final %s  rework loops %d\n", trace.Unit.Serial, final, trace.ReworkLoopCount)
				if trace.DuplicateSerial {
					fmt.Println("warning: serial is shared by several units; showing the oldest")
				}
				rows := make([]table.Row, 0, len(trace.Executions))
				for _, x := range trace.Executions {
					loop := ""
					if x.LoopOrdinal > 0 {
						loop = fmt.Sprintf("#%d %s", x.LoopOrdinal, x.LoopPosition)
					}
					var ctqs []string
					for _, c := range x.CTQs {
						mark := "ok"
						if !c.InSpec {
							mark = "OUT"
						}
						ctqs = append(ctqs, fmt.Sprintf("%s=%s %s", c.Code, strconv.FormatFloat(c.Value, 'g', -1, 64), mark))
					}
					rows = append(rows, table.Row{x.EffectiveAt.Format("2006-01-02 15:04"), x.StepCode, x.EffectiveResult, loop, strings.Join(ctqs, ", ")})
				}
				if err := printTable(trace, table.Row{"At", "Step", "Result", "Loop", "CTQs"}, rows); err != nil {
					return err
				}
				if len(trace.Episodes) == 0 {
					return nil
				}
				fmt.Println("Similar episodes:")
				return printMatches(trace.Episodes)
			})
		},
	}
}

func episodesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "episodes",
		Short: "Browse root-cause episodes",
	}
	cmd.AddCommand(episodesListCmd())
	cmd.AddCommand(episodesShowCmd())
	return cmd
}

func episodesListCmd() *cobra.Command {
	var f repo.EpisodeFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List episodes, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ListEpisodes(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, ep := range items {
					rows = append(rows, table.Row{ep.ID, ep.Title, ep.Status, ep.RootCauseCategory, engine.TrimSummary(ep.Summary, 60)})
				}
				return printTable(items, table.Row{"ID", "Title", "Status", "Category", "Summary"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "root cause category filter")
	cmd.Flags().StringVar(&f.Search, "q", "", "text search on title and summary")
	return cmd
}

func episodesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an episode with resolved associations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid episode id %q", args[0])
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				d, err := ws.Engine.Episode(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
}

func ctqCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "ctq <id>",
		Short: "Distribution and out-of-spec rate of one CTQ",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid ctq id %q", args[0])
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				s, err := ws.Engine.CTQSummary(ctx, id, days)
				if err != nil {
					return err
				}
				return printTable(s, table.Row{"CTQ", "Readings", "Out of spec", "Rate", "Mean", "Min", "Max", "Std dev"},
					[]table.Row{{s.CTQ.Code, s.Count, s.OutOfSpec, pct(s.OutOfSpecRate), s.Mean, s.Min, s.Max, s.StdDev}})
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "trailing days (default 7)")
	return cmd
}

func heatmapCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "heatmap",
		Short: "Out-of-spec rate by lot and CTQ",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				hm, err := ws.Engine.LotHeatmap(ctx, days)
				if err != nil {
					return err
				}
				header := table.Row{"Lot"}
				for _, c := range hm.CTQs {
					header = append(header, c.Code)
				}
				rows := make([]table.Row, 0, len(hm.Lots))
				for i, lot := range hm.Lots {
					row := table.Row{lot.Code}
					for j := range hm.CTQs {
						if hm.Tested[i][j] == 0 {
							row = append(row, "-")
							continue
						}
						row = append(row, fmt.Sprintf("%s (%d/%d)", pct(hm.Matrix[i][j]), hm.Fails[i][j], hm.Tested[i][j]))
					}
					rows = append(rows, row)
				}
				return printTable(hm, header, rows)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "trailing days (default 7)")
	return cmd
}

func qualityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quality",
		Short: "Data quality checks over the last day",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				dq, err := ws.Engine.DataQuality(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(dq)
				}
				rows := make([]table.Row, 0, len(dq.Coverage))
				for _, c := range dq.Coverage {
					rows = append(rows, table.Row{c.Code, c.ActualUnits, c.ExpectedUnits, pct(c.Coverage), c.Status})
				}
				if err := printTable(dq, table.Row{"Step", "Units", "Expected", "Coverage", "Status"}, rows); err != nil {
					return err
				}
				fmt.Printf("out of order: %d of %d units\n", dq.OutOfOrder.UnitsWithIssues, dq.OutOfOrder.UnitsChecked)
				for _, d := range dq.Duplicates {
					fmt.Printf("heavy unit %s: %d executions\n", d.Serial, d.ExecutionCount)
				}
				for _, m := range dq.MissingCTQs {
					fmt.Printf("ctq %s at %s: %d of %d readings missing (%s)\n", m.Name, m.StepName, m.Missing, m.Expected, m.Status)
				}
				if dq.Latency != nil {
					fmt.Printf("recording latency: avg %.1f min, p95 %.1f min over %d measurements\n", dq.Latency.AvgMinutes, dq.Latency.P95Minutes, dq.Latency.SampleSize)
				}
				return nil
			})
		},
	}
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Process flow with CTQ definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				steps, err := ws.Engine.Schema(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(steps))
				for _, s := range steps {
					codes := make([]string, 0, len(s.CTQs))
					for _, c := range s.CTQs {
						codes = append(codes, c.Code)
					}
					rows = append(rows, table.Row{s.Sequence, s.Code, s.Name, s.StepType, s.IsRework, strings.Join(codes, ", ")})
				}
				return printTable(steps, table.Row{"Seq", "Code", "Name", "Type", "Rework", "CTQs"}, rows)
			})
		},
	}
}
