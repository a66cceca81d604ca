package workflow

// AggregateHeaderStatus derives an MTF header status from its line statuses.
//
//   - any line pending -> PendingApproval
//   - all lines equal -> that status
//   - no pending, at least one Approved or Closed -> Approved
//   - otherwise -> Rejected
//
// An empty set yields Initialized.
func AggregateHeaderStatus(statuses []Status) Status {
	if len(statuses) == 0 {
		return StatusInitialized
	}
	uniform := true
	settled := false
	for i, s := range statuses {
		if s == StatusPendingApproval {
			return StatusPendingApproval
		}
		if i > 0 && s != statuses[0] {
			uniform = false
		}
		if s == StatusApproved || s == StatusClosed {
			settled = true
		}
	}
	switch {
	case uniform:
		return statuses[0]
	case settled:
		return StatusApproved
	default:
		return StatusRejected
	}
}

// HeaderApprovalLevel is the minimum level across lines.
func HeaderApprovalLevel(levels []int) int {
	if len(levels) == 0 {
		return 0
	}
	lowest := levels[0]
	for _, l := range levels[1:] {
		if l < lowest {
			lowest = l
		}
	}
	return lowest
}

// AggregateHeader folds line states into the header state.
func AggregateHeader(lines []ApprovalState) ApprovalState {
	statuses := make([]Status, len(lines))
	levels := make([]int, len(lines))
	for i, l := range lines {
		statuses[i] = l.Status
		levels[i] = l.Level
	}
	return ApprovalState{Status: AggregateHeaderStatus(statuses), Level: HeaderApprovalLevel(levels)}
}
