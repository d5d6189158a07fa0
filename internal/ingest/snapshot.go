package ingest

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidSnapshot marks a snapshot that references something it does not define.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Snapshot is a self-contained export of line data. JSON documents parse too,
// since yaml.v3 accepts them. Cross references use business keys (step code,
// lot number, fixture code, unit serial) so files stay hand-editable.
type Snapshot struct {
	Steps      []StepRecord      `yaml:"steps" json:"steps"`
	CTQs       []CTQRecord       `yaml:"ctqs" json:"ctqs"`
	Lots       []LotRecord       `yaml:"lots" json:"lots"`
	Fixtures   []FixtureRecord   `yaml:"fixtures" json:"fixtures"`
	Units      []UnitRecord      `yaml:"units" json:"units"`
	Executions []ExecutionRecord `yaml:"executions" json:"executions"`
	Episodes   []EpisodeRecord   `yaml:"episodes" json:"episodes"`
}

type StepRecord struct {
	ID       int64  `yaml:"id" json:"id"`
	Code     string `yaml:"code" json:"code"`
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type" json:"type"`
	Sequence int    `yaml:"sequence" json:"sequence"`
	CanScrap bool   `yaml:"can_scrap" json:"can_scrap"`
}

type CTQRecord struct {
	ID        int64    `yaml:"id" json:"id"`
	Code      string   `yaml:"code" json:"code"`
	Name      string   `yaml:"name" json:"name"`
	Units     string   `yaml:"units" json:"units"`
	LSL       *float64 `yaml:"lsl" json:"lsl"`
	USL       *float64 `yaml:"usl" json:"usl"`
	Target    *float64 `yaml:"target" json:"target"`
	Direction string   `yaml:"direction" json:"direction"`
	Critical  bool     `yaml:"critical" json:"critical"`
	Step      string   `yaml:"step" json:"step"`
}

type LotRecord struct {
	ID        int64  `yaml:"id" json:"id"`
	Number    string `yaml:"lot_number" json:"lot_number"`
	Component string `yaml:"component" json:"component"`
	Supplier  string `yaml:"supplier" json:"supplier"`
}

type FixtureRecord struct {
	ID               int64  `yaml:"id" json:"id"`
	Code             string `yaml:"code" json:"code"`
	Station          string `yaml:"station" json:"station"`
	Type             string `yaml:"type" json:"type"`
	Status           string `yaml:"status" json:"status"`
	LastCalibratedAt string `yaml:"last_calibrated_at" json:"last_calibrated_at"`
}

type UnitRecord struct {
	ID          int64    `yaml:"id" json:"id"`
	Serial      string   `yaml:"serial" json:"serial"`
	CreatedAt   string   `yaml:"created_at" json:"created_at"`
	FinalResult string   `yaml:"final_result" json:"final_result"`
	Lots        []string `yaml:"lots" json:"lots"`
}

type MeasurementRecord struct {
	CTQ        string  `yaml:"ctq" json:"ctq"`
	Value      float64 `yaml:"value" json:"value"`
	RecordedAt string  `yaml:"recorded_at" json:"recorded_at"`
}

type ExecutionRecord struct {
	ID                int64               `yaml:"id" json:"id"`
	UnitID            int64               `yaml:"unit_id" json:"unit_id"`
	Unit              string              `yaml:"unit" json:"unit"`
	Step              string              `yaml:"step" json:"step"`
	Result            string              `yaml:"result" json:"result"`
	StartedAt         string              `yaml:"started_at" json:"started_at"`
	CompletedAt       string              `yaml:"completed_at" json:"completed_at"`
	ReworkLoopID      string              `yaml:"rework_loop_id" json:"rework_loop_id"`
	OriginFailureStep string              `yaml:"origin_failure_step" json:"origin_failure_step"`
	Station           string              `yaml:"station" json:"station"`
	Fixture           string              `yaml:"fixture" json:"fixture"`
	FailureCode       string              `yaml:"failure_code" json:"failure_code"`
	Measurements      []MeasurementRecord `yaml:"measurements" json:"measurements"`
}

// EpisodeRecord keeps association and metrics blobs untyped; they are stored
// as JSON and interpreted at read time.
type EpisodeRecord struct {
	ID               int64  `yaml:"id" json:"id"`
	Title            string `yaml:"title" json:"title"`
	Summary          string `yaml:"summary" json:"summary"`
	Status           string `yaml:"status" json:"status"`
	Category         string `yaml:"root_cause_category" json:"root_cause_category"`
	Effectiveness    string `yaml:"effectiveness_tag" json:"effectiveness_tag"`
	StartedAt        string `yaml:"started_at" json:"started_at"`
	EndedAt          string `yaml:"ended_at" json:"ended_at"`
	CreatedAt        string `yaml:"created_at" json:"created_at"`
	AffectedSteps    any    `yaml:"affected_steps" json:"affected_steps"`
	AffectedCTQs     any    `yaml:"affected_ctqs" json:"affected_ctqs"`
	AffectedLots     any    `yaml:"affected_lots" json:"affected_lots"`
	AffectedFixtures any    `yaml:"affected_fixtures" json:"affected_fixtures"`
	BeforeMetrics    any    `yaml:"before_metrics" json:"before_metrics"`
	AfterMetrics     any    `yaml:"after_metrics" json:"after_metrics"`
}

// Parse decodes a YAML or JSON snapshot.
func Parse(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Snapshot{}, errors.Wrap(err, "decode snapshot")
	}
	return s, nil
}

// Load reads a snapshot file.
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, errors.Wrapf(err, "read snapshot %s", path)
	}
	return Parse(data)
}

// Size is the number of records the snapshot carries, measurements included.
func (s Snapshot) Size() int {
	n := len(s.Steps) + len(s.CTQs) + len(s.Lots) + len(s.Fixtures) + len(s.Units) + len(s.Executions) + len(s.Episodes)
	for _, e := range s.Executions {
		n += len(e.Measurements)
	}
	return n
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}

// parseTime returns nil for an empty value.
func parseTime(field, v string) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, errors.Wrapf(ErrInvalidSnapshot, "%s: unparseable time %q", field, v)
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
