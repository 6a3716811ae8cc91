package domain

import (
	"math"
	"time"
)

// StatBuckets maps stages onto the summary counters. Overdue is derived from
// the due date and is not configurable.
type StatBuckets struct {
	Completed   []Stage `json:"completed" yaml:"completed"`
	InProgress  []Stage `json:"inProgress" yaml:"inProgress"`
	UnderReview []Stage `json:"underReview" yaml:"underReview"`
	NotStarted  []Stage `json:"notStarted" yaml:"notStarted"`
}

// DefaultStatBuckets returns the built-in stage to counter mapping.
func DefaultStatBuckets() StatBuckets {
	return StatBuckets{
		Completed:   []Stage{StageCompleted},
		InProgress:  []Stage{StageInProgress},
		UnderReview: []Stage{StageSentEstimate},
		NotStarted:  []Stage{StageNewLead, StageUnspecified},
	}
}

// BucketsForStages keeps only the stages of b that are present in stages.
// Stage visibility does not matter, only membership.
func (b StatBuckets) BucketsForStages(stages []StageConfig) StatBuckets {
	known := make(map[Stage]struct{}, len(stages)+1)
	for _, s := range stages {
		known[ParseStage(s.ID)] = struct{}{}
	}
	known[StageUnspecified] = struct{}{}
	keep := func(in []Stage) []Stage {
		out := make([]Stage, 0, len(in))
		for _, s := range in {
			if _, ok := known[s]; ok {
				out = append(out, s)
			}
		}
		return out
	}
	return StatBuckets{
		Completed:   keep(b.Completed),
		InProgress:  keep(b.InProgress),
		UnderReview: keep(b.UnderReview),
		NotStarted:  keep(b.NotStarted),
	}
}

// TaskStats summarises a normalized task collection. It is computed fresh for
// every collection change and must not be modified by callers.
type TaskStats struct {
	Total           int               `json:"total"`
	Completed       int               `json:"completed"`
	InProgress      int               `json:"inProgress"`
	UnderReview     int               `json:"underReview"`
	NotStarted      int               `json:"notStarted"`
	Overdue         int               `json:"overdue"`
	AverageProgress int               `json:"averageProgress"`
	ByAssignee      map[string][]Task `json:"byAssignee"`
	ByStatus        map[Stage][]Task  `json:"byStatus"`
	// Bucket keys in first-seen order.
	AssigneeOrder []string `json:"assigneeOrder"`
	StatusOrder   []Stage  `json:"statusOrder"`
}

// ComputeStats aggregates tasks in a single pass. Tasks count as overdue when
// their due date is before now and they are not completed.
func ComputeStats(tasks []Task, now time.Time, buckets StatBuckets) TaskStats {
	stats := TaskStats{
		Total:         len(tasks),
		ByAssignee:    make(map[string][]Task),
		ByStatus:      make(map[Stage][]Task),
		AssigneeOrder: []string{},
		StatusOrder:   []Stage{},
	}
	completed := stageSet(buckets.Completed)
	inProgress := stageSet(buckets.InProgress)
	underReview := stageSet(buckets.UnderReview)
	notStarted := stageSet(buckets.NotStarted)

	sum := 0
	for _, t := range tasks {
		if _, ok := completed[t.Status]; ok {
			stats.Completed++
		}
		if _, ok := inProgress[t.Status]; ok {
			stats.InProgress++
		}
		if _, ok := underReview[t.Status]; ok {
			stats.UnderReview++
		}
		if _, ok := notStarted[t.Status]; ok {
			stats.NotStarted++
		}
		if t.Overdue(now) {
			stats.Overdue++
		}
		sum += t.Progress

		key := t.AssigneeKey()
		if _, ok := stats.ByAssignee[key]; !ok {
			stats.AssigneeOrder = append(stats.AssigneeOrder, key)
		}
		stats.ByAssignee[key] = append(stats.ByAssignee[key], t)
		if _, ok := stats.ByStatus[t.Status]; !ok {
			stats.StatusOrder = append(stats.StatusOrder, t.Status)
		}
		stats.ByStatus[t.Status] = append(stats.ByStatus[t.Status], t)
	}
	if len(tasks) > 0 {
		stats.AverageProgress = int(math.Round(float64(sum) / float64(len(tasks))))
	}
	return stats
}

func stageSet(stages []Stage) map[Stage]struct{} {
	m := make(map[Stage]struct{}, len(stages))
	for _, s := range stages {
		m[s] = struct{}{}
	}
	return m
}
