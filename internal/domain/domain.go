package domain

import (
	"time"
)

type Result string

const (
	ResultPass  Result = "PASS"
	ResultFail  Result = "FAIL"
	ResultScrap Result = "SCRAP"
)

type Direction string

const (
	DirectionTwoSided     Direction = "TWO_SIDED"
	DirectionHigherBetter Direction = "HIGHER_BETTER"
	DirectionLowerBetter  Direction = "LOWER_BETTER"
)

type StepType string

const (
	StepAssembly   StepType = "ASSEMBLY"
	StepTest       StepType = "TEST"
	StepInspection StepType = "INSPECTION"
	StepDebug      StepType = "DEBUG"
)

type Step struct {
	ID       int64    `json:"id"`
	Code     string   `json:"code"`
	Name     string   `json:"name"`
	StepType StepType `json:"step_type"`
	Sequence int      `json:"sequence"`
	CanScrap bool     `json:"can_scrap"`
}

type CTQDefinition struct {
	ID         int64     `json:"id"`
	Code       string    `json:"code"`
	Name       string    `json:"name"`
	Units      string    `json:"units,omitempty"`
	LSL        *float64  `json:"lower_spec_limit,omitempty"`
	USL        *float64  `json:"upper_spec_limit,omitempty"`
	Target     *float64  `json:"target,omitempty"`
	Direction  Direction `json:"direction"`
	IsCritical bool      `json:"is_critical"`
	StepID     int64     `json:"step_id"`
}

type Lot struct {
	ID            int64  `json:"id"`
	Code          string `json:"code"`
	ComponentName string `json:"component_name"`
	Supplier      string `json:"supplier,omitempty"`
}

type Fixture struct {
	ID               int64      `json:"id"`
	Code             string     `json:"code"`
	StationCode      string     `json:"station_code,omitempty"`
	FixtureType      string     `json:"fixture_type,omitempty"`
	Status           string     `json:"status,omitempty"`
	LastCalibratedAt *time.Time `json:"last_calibrated_at,omitempty" format:"date-time"`
}

type Unit struct {
	ID          int64     `json:"id"`
	Serial      string    `json:"serial"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
	FinalResult *Result   `json:"final_result,omitempty"`
}

// Execution is one attempt of a unit at one process step.
type Execution struct {
	ID                  int64      `json:"id"`
	UnitID              int64      `json:"unit_id"`
	StepID              int64      `json:"step_id"`
	StepCode            string     `json:"step_code"`
	Result              Result     `json:"result" enum:"PASS,FAIL,SCRAP"`
	StartedAt           *time.Time `json:"started_at,omitempty" format:"date-time"`
	CompletedAt         *time.Time `json:"completed_at,omitempty" format:"date-time"`
	ReworkLoopID        *string    `json:"rework_loop_id,omitempty"`
	OriginFailureStepID *int64     `json:"origin_failure_step_id,omitempty"`
	StationCode         string     `json:"station_code,omitempty"`
	FixtureID           *int64     `json:"fixture_id,omitempty"`
	FixtureCode         string     `json:"fixture_code,omitempty"`
	FailureCode         *string    `json:"failure_code,omitempty"`
}

// InReworkLoop reports whether the execution belongs to a corrective rework cycle.
func (e Execution) InReworkLoop() bool {
	return e.ReworkLoopID != nil && *e.ReworkLoopID != ""
}

type Measurement struct {
	ID          int64         `json:"id"`
	ExecutionID int64         `json:"execution_id"`
	CTQID       int64         `json:"ctq_id"`
	Value       float64       `json:"value"`
	RecordedAt  *time.Time    `json:"recorded_at,omitempty" format:"date-time"`
	CTQ         CTQDefinition `json:"ctq"`
}

type Episode struct {
	ID                int64      `json:"id"`
	Title             string     `json:"title"`
	Summary           string     `json:"summary"`
	Status            string     `json:"status"`
	RootCauseCategory string     `json:"root_cause_category"`
	EffectivenessTag  *string    `json:"effectiveness_tag,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty" format:"date-time"`
	EndedAt           *time.Time `json:"ended_at,omitempty" format:"date-time"`
	CreatedAt         *time.Time `json:"created_at,omitempty" format:"date-time"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty" format:"date-time"`
	AffectedSteps     Payload    `json:"affected_steps"`
	AffectedCTQs      Payload    `json:"affected_ctqs"`
	AffectedLots      Payload    `json:"affected_lots"`
	AffectedFixtures  Payload    `json:"affected_fixtures"`
	BeforeMetrics     Payload    `json:"before_metrics"`
	AfterMetrics      Payload    `json:"after_metrics"`
}

// Anchor is the instant used to rank episodes by recency.
func (e Episode) Anchor() time.Time {
	switch {
	case e.StartedAt != nil:
		return *e.StartedAt
	case e.CreatedAt != nil:
		return *e.CreatedAt
	default:
		return time.Time{}
	}
}

type Counts struct {
	Steps        int `json:"process_step_definitions"`
	CTQs         int `json:"ctq_definitions"`
	Units        int `json:"units"`
	Executions   int `json:"process_step_executions"`
	Measurements int `json:"measurements"`
	Lots         int `json:"component_lots"`
	Fixtures     int `json:"fixtures"`
	Episodes     int `json:"episodes"`
}

type ImportEvent struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	BatchID string `json:"batch_id"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}
