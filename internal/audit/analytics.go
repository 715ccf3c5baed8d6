package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"erppilot/internal/types"
)

// Summary aggregates command log activity since a point in time.
type Summary struct {
	Total        int
	Succeeded    int
	Failed       int
	Denied       int
	ParseFailed  int
	TopActions   []ActionCount
	TopUsers     []UserCount
	AvgTotalTime time.Duration
}

// ActionCount pairs an action with its occurrence count.
type ActionCount struct {
	Action types.ActionName
	Count  int
}

// UserCount pairs a user with their request count.
type UserCount struct {
	UserID string
	Count  int
}

// Analytics scans entries since the cutoff and aggregates them. Aggregation
// happens in Go rather than SQL so the classification rules stay next to
// the entry model.
func (r *Recorder) Analytics(ctx context.Context, since time.Time) (*Summary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT ts, request_id, user_id, conversation_id, raw_text, intent, authorization,
		 outcome, response, parse_ms, authorize_ms, execute_ms, total_ms, corrects_id
		 FROM command_log WHERE ts >= ? ORDER BY ts`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("analytics query failed: %w", err)
	}
	defer rows.Close()

	summary := &Summary{}
	actionCounts := map[types.ActionName]int{}
	userCounts := map[string]int{}
	var totalLatency time.Duration

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}

		summary.Total++
		userCounts[entry.UserID]++
		totalLatency += entry.Latency.Total

		switch {
		case entry.Intent == nil:
			summary.ParseFailed++
		case entry.Authorization != nil && entry.Authorization.Decision == types.DecisionDeny:
			summary.Denied++
		case entry.Outcome != nil && entry.Outcome.Status == types.OutcomeSuccess:
			summary.Succeeded++
		default:
			summary.Failed++
		}

		if entry.Intent != nil {
			actionCounts[entry.Intent.Action]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if summary.Total > 0 {
		summary.AvgTotalTime = totalLatency / time.Duration(summary.Total)
	}
	summary.TopActions = topActions(actionCounts, 5)
	summary.TopUsers = topUsers(userCounts, 5)
	return summary, nil
}

func topActions(counts map[types.ActionName]int, n int) []ActionCount {
	out := make([]ActionCount, 0, len(counts))
	for a, c := range counts {
		out = append(out, ActionCount{Action: a, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Action < out[j].Action
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func topUsers(counts map[string]int, n int) []UserCount {
	out := make([]UserCount, 0, len(counts))
	for u, c := range counts {
		out = append(out, UserCount{UserID: u, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].UserID < out[j].UserID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
