package randomization

import (
	"fmt"
	"math"
	"sort"
)

// BlockSize is the fixed block length used by the block strategy. Each block
// holds BlockSize/2 of each label.
const BlockSize = 4

const (
	StrategySimple = "simple"
	StrategyBlock  = "block"
)

// Rand is the randomness a strategy draws from. *math/rand.Rand satisfies it.
type Rand interface {
	Intn(n int) int
	Shuffle(n int, swap func(i, j int))
}

// Strategy turns stratum sizes into an ordered list of assignments.
//
// Implementations are stateless: every call starts its subject counter at
// initialID and walks AllStrata in order.
type Strategy interface {
	Name() string
	Generate(sizes StrataSizes, initialID int, rng Rand) (*Result, error)
}

var strategies = map[string]Strategy{
	StrategySimple: SimpleStrategy{},
	StrategyBlock:  BlockStrategy{},
}

// StrategyFor returns the strategy registered under name.
func StrategyFor(name string) (Strategy, error) {
	s, ok := strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return s, nil
}

// StrategyNames lists the registered strategies, sorted.
func StrategyNames() []string {
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func checkPreconditions(sizes StrataSizes, initialID int) error {
	if initialID < 1 {
		return fmt.Errorf("%w (got %d)", ErrInvalidInitialID, initialID)
	}
	if err := sizes.Validate(); err != nil {
		return err
	}
	// The last ID handed out is initialID+total-1.
	if total := sizes.Total(); total > 0 && initialID > math.MaxInt-(total-1) {
		return fmt.Errorf("%w: initial_id %d with %d participants", ErrSubjectIDOverflow, initialID, total)
	}
	return nil
}

// emit appends one record per label, numbering from *next.
func emit(out []AssignmentRecord, s Stratum, labels []Label, next *int) []AssignmentRecord {
	for _, l := range labels {
		out = append(out, AssignmentRecord{
			SubjectID:    *next,
			SleepQuality: s.SleepQuality,
			Sex:          s.Sex,
			Condition:    l,
		})
		*next++
	}
	return out
}

func shuffle(labels []Label, rng Rand) {
	rng.Shuffle(len(labels), func(i, j int) {
		labels[i], labels[j] = labels[j], labels[i]
	})
}

// SimpleStrategy randomizes each stratum 1:1 as a whole. An odd remainder is
// settled by an independent coin flip per stratum.
type SimpleStrategy struct{}

func (SimpleStrategy) Name() string { return StrategySimple }

func (SimpleStrategy) Generate(sizes StrataSizes, initialID int, rng Rand) (*Result, error) {
	if err := checkPreconditions(sizes, initialID); err != nil {
		return nil, err
	}

	res := &Result{Records: make([]AssignmentRecord, 0, sizes.Total())}
	next := initialID
	for _, s := range AllStrata {
		n := sizes[s]
		if n == 0 {
			continue
		}
		labels := make([]Label, 0, n)
		for i := 0; i < n/2; i++ {
			labels = append(labels, LabelA, LabelB)
		}
		if n%2 == 1 {
			labels = append(labels, coinFlip(rng))
		}
		shuffle(labels, rng)
		res.Records = emit(res.Records, s, labels, &next)
	}
	return res, nil
}

func coinFlip(rng Rand) Label {
	if rng.Intn(2) == 0 {
		return LabelA
	}
	return LabelB
}

// BlockStrategy randomizes in blocks of BlockSize, each holding two A and
// two B, shuffled independently. Blocks keep their order.
type BlockStrategy struct{}

func (BlockStrategy) Name() string { return StrategyBlock }

var blockTemplate = [BlockSize]Label{LabelA, LabelA, LabelB, LabelB}

func (BlockStrategy) Generate(sizes StrataSizes, initialID int, rng Rand) (*Result, error) {
	if err := checkPreconditions(sizes, initialID); err != nil {
		return nil, err
	}

	res := &Result{Records: make([]AssignmentRecord, 0, sizes.Total())}
	next := initialID
	for _, s := range AllStrata {
		n := sizes[s]
		if n%BlockSize != 0 {
			res.Errors = append(res.Errors, &StratumSizeError{Stratum: s, Size: n, BlockSize: BlockSize})
			continue
		}
		labels := make([]Label, 0, n)
		for b := 0; b < n/BlockSize; b++ {
			block := blockTemplate
			shuffle(block[:], rng)
			labels = append(labels, block[:]...)
		}
		res.Records = emit(res.Records, s, labels, &next)
	}
	return res, nil
}
