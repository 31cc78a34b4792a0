package pipeline

const (
	outcomeDoneStringConstant           = "DONE"
	outcomeDoneWithErrorsStringConstant = "DONE_WITH_ERRORS"
	outcomePruningDisabledConstant      = "ARCHIVES_PRUNING_DISABLED"
)

// Outcome reports the aggregate result of one batch stage invocation.
type Outcome string

// Outcome codes returned by pipeline stages.
const (
	// OutcomeDone indicates every item of the batch completed successfully.
	OutcomeDone Outcome = Outcome(outcomeDoneStringConstant)
	// OutcomeDoneWithErrors indicates at least one item failed while the batch ran to the end.
	OutcomeDoneWithErrors Outcome = Outcome(outcomeDoneWithErrorsStringConstant)
	// OutcomePruningDisabled indicates the pruning stage was invoked while archive removal is turned off.
	OutcomePruningDisabled Outcome = Outcome(outcomePruningDisabledConstant)
)

// Successful reports whether the outcome represents a run without recorded errors.
func (outcome Outcome) Successful() bool {
	return outcome == OutcomeDone || outcome == OutcomePruningDisabled
}
