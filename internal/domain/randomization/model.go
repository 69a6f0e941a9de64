package randomization

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidInitialID    = errors.New("initial_id must be at least 1")
	ErrNegativeStratumSize = errors.New("stratum size must not be negative")
	ErrStratumSizeTooLarge = errors.New("stratum size too large")
	ErrSubjectIDOverflow   = errors.New("subject IDs would overflow")
	ErrUnknownStratum      = errors.New("unknown stratum")
	ErrDuplicateStratum    = errors.New("duplicate stratum")
	ErrUnknownStrategy     = errors.New("unknown randomization strategy")
)

type SleepQuality string

const (
	SleepGood SleepQuality = "Good"
	SleepPoor SleepQuality = "Poor"
)

type Sex string

const (
	SexMale   Sex = "M"
	SexFemale Sex = "F"
)

// Stratum is one cell of the Sleep Quality × Sex design.
type Stratum struct {
	SleepQuality SleepQuality `json:"sleep_quality"`
	Sex          Sex          `json:"sex"`
}

// Key returns the stable identifier used in requests and messages, e.g. "Good_M".
func (s Stratum) Key() string {
	return string(s.SleepQuality) + "_" + string(s.Sex)
}

func (s Stratum) String() string { return s.Key() }

// AllStrata lists the four strata in processing order. Subject IDs are
// handed out in this order, so it must never change.
var AllStrata = []Stratum{
	{SleepQuality: SleepGood, Sex: SexMale},
	{SleepQuality: SleepGood, Sex: SexFemale},
	{SleepQuality: SleepPoor, Sex: SexMale},
	{SleepQuality: SleepPoor, Sex: SexFemale},
}

// ParseStratum resolves a key such as "Good_M" (case-insensitive, "-" also
// accepted as separator) to one of AllStrata.
func ParseStratum(key string) (Stratum, error) {
	norm := strings.ReplaceAll(strings.TrimSpace(key), "-", "_")
	for _, s := range AllStrata {
		if strings.EqualFold(s.Key(), norm) {
			return s, nil
		}
	}
	return Stratum{}, fmt.Errorf("%w: %q", ErrUnknownStratum, key)
}

// Label is the condition a subject is randomized to.
type Label string

const (
	LabelA Label = "A"
	LabelB Label = "B"
)

// Condition returns the arm name behind the label.
func (l Label) Condition() string {
	switch l {
	case LabelA:
		return "Intervention"
	case LabelB:
		return "Sham"
	}
	return ""
}

// MaxStratumSize caps a single stratum. Four capped strata still sum well
// inside int, so totals never overflow.
const MaxStratumSize = 100000

// StrataSizes maps each stratum to the number of participants allocated to it.
// Strata absent from the map count as zero.
type StrataSizes map[Stratum]int

// ParseStrataSizes builds StrataSizes from keyed counts as they arrive from
// request bodies and strata files.
func ParseStrataSizes(raw map[string]int) (StrataSizes, error) {
	sizes := make(StrataSizes, len(raw))
	for key, n := range raw {
		s, err := ParseStratum(key)
		if err != nil {
			return nil, err
		}
		if _, dup := sizes[s]; dup {
			return nil, fmt.Errorf("%w: %s given more than once", ErrDuplicateStratum, s.Key())
		}
		sizes[s] = n
	}
	return sizes, nil
}

// Total returns the sum over all four strata.
func (z StrataSizes) Total() int {
	total := 0
	for _, s := range AllStrata {
		total += z[s]
	}
	return total
}

// Validate reports the first precondition violation: a negative count or one
// above MaxStratumSize.
func (z StrataSizes) Validate() error {
	for _, s := range AllStrata {
		switch n := z[s]; {
		case n < 0:
			return fmt.Errorf("%w: %s = %d", ErrNegativeStratumSize, s.Key(), n)
		case n > MaxStratumSize:
			return fmt.Errorf("%w: %s = %d (max %d)", ErrStratumSizeTooLarge, s.Key(), n, MaxStratumSize)
		}
	}
	return nil
}

// AssignmentRecord is one row of a randomization plan.
type AssignmentRecord struct {
	SubjectID    int          `json:"subject_id"`
	SleepQuality SleepQuality `json:"sleep_quality"`
	Sex          Sex          `json:"sex"`
	Condition    Label        `json:"condition"`
}

// Stratum returns the stratum the record was generated from.
func (r AssignmentRecord) Stratum() Stratum {
	return Stratum{SleepQuality: r.SleepQuality, Sex: r.Sex}
}

// StratumSizeError reports a stratum whose size does not fit the block size.
// It is non-fatal: the stratum is skipped and the run continues.
type StratumSizeError struct {
	Stratum   Stratum
	Size      int
	BlockSize int
}

func (e *StratumSizeError) Error() string {
	return fmt.Sprintf("number of participants in %s must be divisible by %d (got %d)",
		e.Stratum.Key(), e.BlockSize, e.Size)
}

func (e *StratumSizeError) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"stratum":    e.Stratum.Key(),
		"size":       e.Size,
		"block_size": e.BlockSize,
		"message":    e.Error(),
	})
}

// Result is the output of a single strategy run.
type Result struct {
	Records []AssignmentRecord
	Errors  []*StratumSizeError
}

// Plan is a Result stamped with the metadata needed to reproduce it.
type Plan struct {
	ID          uuid.UUID           `json:"id"`
	Strategy    string              `json:"strategy"`
	InitialID   int                 `json:"initial_id"`
	Seed        int64               `json:"seed"`
	GeneratedAt time.Time           `json:"generated_at"`
	Records     []AssignmentRecord  `json:"records"`
	Errors      []*StratumSizeError `json:"errors"`
	Summary     []StratumSummary    `json:"summary"`
}

// StratumSummary counts the labels handed out within one stratum.
type StratumSummary struct {
	Stratum string `json:"stratum"`
	A       int    `json:"a"`
	B       int    `json:"b"`
}

// Summarize tallies records per stratum, in processing order. Strata without
// records are included with zero counts.
func Summarize(records []AssignmentRecord) []StratumSummary {
	idx := make(map[Stratum]int, len(AllStrata))
	out := make([]StratumSummary, len(AllStrata))
	for i, s := range AllStrata {
		idx[s] = i
		out[i].Stratum = s.Key()
	}
	for _, r := range records {
		i, ok := idx[r.Stratum()]
		if !ok {
			continue
		}
		switch r.Condition {
		case LabelA:
			out[i].A++
		case LabelB:
			out[i].B++
		}
	}
	return out
}

// ValidationMessages flattens the plan's stratum errors for display.
func (p *Plan) ValidationMessages() []string {
	msgs := make([]string, 0, len(p.Errors))
	for _, e := range p.Errors {
		msgs = append(msgs, e.Error())
	}
	return msgs
}
