package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAggregateHeaderStatus(t *testing.T) {
	cases := []struct {
		name  string
		lines []Status
		want  Status
	}{
		{"empty", nil, StatusInitialized},
		{"all approved", []Status{StatusApproved, StatusApproved}, StatusApproved},
		{"one pending", []Status{StatusApproved, StatusPendingApproval}, StatusPendingApproval},
		{"pending wins over rejected", []Status{StatusRejected, StatusPendingApproval, StatusClosed}, StatusPendingApproval},
		{"approved and rejected", []Status{StatusApproved, StatusRejected}, StatusApproved},
		{"all rejected", []Status{StatusRejected, StatusRejected}, StatusRejected},
		{"all closed", []Status{StatusClosed, StatusClosed}, StatusClosed},
		{"rejected and closed", []Status{StatusRejected, StatusClosed}, StatusApproved},
		{"initialized and rejected", []Status{StatusInitialized, StatusRejected}, StatusRejected},
		{"single", []Status{StatusRejected}, StatusRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := AggregateHeaderStatus(tc.lines)
			require.Equal(t, tc.want, got)
			require.Equal(t, got, AggregateHeaderStatus(tc.lines))
		})
	}
}

func TestAggregateHeaderUsesLowestLevel(t *testing.T) {
	header := AggregateHeader([]ApprovalState{
		{Status: StatusApproved, Level: 2},
		{Status: StatusPendingApproval, Level: 1},
		{Status: StatusPendingApproval, Level: 0},
	})
	require.Equal(t, ApprovalState{Status: StatusPendingApproval, Level: 0}, header)
	require.Equal(t, 0, HeaderApprovalLevel(nil))
}
