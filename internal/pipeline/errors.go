package pipeline

import (
	"errors"
	"fmt"
)

// Stage failure sentinels. A *StageError matches the sentinel of its stage
// through errors.Is.
var (
	ErrConnection    = errors.New("connection failed")
	ErrSchema        = errors.New("schema setup failed")
	ErrExistingData  = errors.New("destination already holds rows for this load")
	ErrExtraction    = errors.New("extraction failed")
	ErrNormalization = errors.New("normalization failed")
	ErrAnonymization = errors.New("anonymization failed")
	ErrLoad          = errors.New("load failed")
	ErrVerification  = errors.New("verification failed")
)

// Stage names a step of a run.
type Stage string

const (
	StageConnect   Stage = "connect"
	StageSchema    Stage = "schema"
	StagePrecheck  Stage = "precheck"
	StageExtract   Stage = "extract"
	StageNormalize Stage = "normalize"
	StageAnonymize Stage = "anonymize"
	StageLoad      Stage = "load"
	StageVerify    Stage = "verify"
)

var stageSentinels = map[Stage]error{
	StageConnect:   ErrConnection,
	StageSchema:    ErrSchema,
	StagePrecheck:  ErrExistingData,
	StageExtract:   ErrExtraction,
	StageNormalize: ErrNormalization,
	StageAnonymize: ErrAnonymization,
	StageLoad:      ErrLoad,
	StageVerify:    ErrVerification,
}

// StageError is the failure that moved a run to FAILED.
type StageError struct {
	Stage Stage
	// Offset is the source offset of the batch being processed, or -1 outside the batch loop.
	Offset int64
	Err    error
}

func (e *StageError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("%s stage failed at offset %d: %v", e.Stage, e.Offset, e.Err)
	}
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Is matches the sentinel of e's stage.
func (e *StageError) Is(target error) bool {
	s, ok := stageSentinels[e.Stage]
	return ok && target == s
}
