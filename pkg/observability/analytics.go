package observability

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
)

// Summary is the result of an analytics query.
type Summary struct {
	Window    time.Duration `json:"window"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	// Suspended counts runs waiting for approval at query time.
	Suspended int `json:"suspended"`

	AvgDuration    time.Duration `json:"avg_duration"`
	MedianDuration time.Duration `json:"median_duration"`
	P95Duration    time.Duration `json:"p95_duration"`

	Nodes []NodeSummary `json:"nodes"`
	// TopErrors counts failed runs by the error that ended them.
	TopErrors []ErrorCount `json:"top_errors"`
	// NodeErrors counts failed node executions by category. A run that
	// recovered from a node failure still shows up here.
	NodeErrors []ErrorCount `json:"node_errors"`
}

// SuccessRate is Succeeded/Total, or 0 without runs.
func (s Summary) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Total)
}

// NodeSummary aggregates the executions of one node ID.
type NodeSummary struct {
	NodeID      string        `json:"node_id"`
	Executions  int           `json:"executions"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	AvgDuration time.Duration `json:"avg_duration"`
	SuccessRate float64       `json:"success_rate"`
}

// ErrorCount is one entry of the top error categories.
type ErrorCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

type runStat struct {
	workflow  string
	status    domain.RunStatus
	category  string
	started   time.Time
	completed time.Time
}

type nodeStat struct {
	runID     string
	nodeID    string
	category  string
	failed    bool
	started   time.Time
	completed time.Time
}

// analyticsStore folds events keyed by run and execution ID, so it does not
// depend on the order events are delivered in.
type analyticsStore struct {
	mu    sync.RWMutex
	runs  map[string]*runStat
	nodes map[string]*nodeStat
}

func newAnalyticsStore() *analyticsStore {
	return &analyticsStore{
		runs:  make(map[string]*runStat),
		nodes: make(map[string]*nodeStat),
	}
}

func (s *analyticsStore) run(id string) *runStat {
	r, ok := s.runs[id]
	if !ok {
		r = &runStat{}
		s.runs[id] = r
	}
	return r
}

func (s *analyticsStore) node(id string) *nodeStat {
	n, ok := s.nodes[id]
	if !ok {
		n = &nodeStat{}
		s.nodes[id] = n
	}
	return n
}

func (s *analyticsStore) apply(ev event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case runStarted:
		r := s.run(ev.RunID)
		r.workflow = ev.Workflow
		r.started = ev.At
		if r.status == "" {
			r.status = domain.StatusRunning
		}
	case runCompleted:
		r := s.run(ev.RunID)
		// A resumed run reports again; the latest report wins.
		if r.completed.IsZero() || !ev.At.Before(r.completed) {
			r.status = ev.Status
			r.category = ev.Category
			r.completed = ev.At
		}
	case nodeStarted:
		n := s.node(ev.ExecutionID)
		n.runID = ev.RunID
		n.nodeID = ev.NodeID
		n.started = ev.At
	case nodeCompleted:
		n := s.node(ev.ExecutionID)
		n.runID = ev.RunID
		n.completed = ev.At
		n.failed = ev.Error != ""
		n.category = ev.Category
	}
}

func (s *analyticsStore) summary(now time.Time, window time.Duration) Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inWindow := func(t time.Time) bool {
		return window <= 0 || !t.Before(now.Add(-window))
	}

	sum := Summary{Window: window}
	runErrs := make(map[string]int)
	nodeErrs := make(map[string]int)
	var durations []time.Duration

	for _, r := range s.runs {
		if r.completed.IsZero() || !inWindow(r.completed) {
			continue
		}
		switch r.status {
		case domain.StatusSuspended:
			sum.Suspended++
			continue
		case domain.StatusCompleted:
			sum.Succeeded++
		case domain.StatusFailed:
			sum.Failed++
			if r.category != "" {
				runErrs[r.category]++
			}
		default:
			continue
		}
		sum.Total++
		if !r.started.IsZero() {
			durations = append(durations, r.completed.Sub(r.started))
		}
	}

	if len(durations) > 0 {
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		var total time.Duration
		for _, d := range durations {
			total += d
		}
		sum.AvgDuration = total / time.Duration(len(durations))
		sum.MedianDuration = median(durations)
		sum.P95Duration = percentile(durations, 0.95)
	}

	type acc struct {
		NodeSummary
		total time.Duration
		timed int
	}
	perNode := make(map[string]*acc)
	for _, n := range s.nodes {
		if n.completed.IsZero() || n.nodeID == "" || !inWindow(n.completed) {
			continue
		}
		a, ok := perNode[n.nodeID]
		if !ok {
			a = &acc{NodeSummary: NodeSummary{NodeID: n.nodeID}}
			perNode[n.nodeID] = a
		}
		a.Executions++
		if n.failed {
			a.Failed++
			if n.category != "" {
				nodeErrs[n.category]++
			}
		} else {
			a.Succeeded++
		}
		if !n.started.IsZero() {
			a.total += n.completed.Sub(n.started)
			a.timed++
		}
	}
	for _, a := range perNode {
		if a.timed > 0 {
			a.AvgDuration = a.total / time.Duration(a.timed)
		}
		a.SuccessRate = float64(a.Succeeded) / float64(a.Executions)
		sum.Nodes = append(sum.Nodes, a.NodeSummary)
	}
	sort.Slice(sum.Nodes, func(i, j int) bool { return sum.Nodes[i].NodeID < sum.Nodes[j].NodeID })

	sum.TopErrors = ranked(runErrs)
	sum.NodeErrors = ranked(nodeErrs)
	return sum
}

// prune drops runs that finished before cutoff together with node
// executions that ended, or were abandoned, before it.
func (s *analyticsStore) prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, r := range s.runs {
		if r.status == domain.StatusRunning || r.completed.IsZero() || !r.completed.Before(cutoff) {
			continue
		}
		delete(s.runs, id)
		removed++
	}
	for id, n := range s.nodes {
		last := n.completed
		if last.IsZero() {
			last = n.started
		}
		if _, live := s.runs[n.runID]; live && n.completed.IsZero() {
			continue
		}
		if last.Before(cutoff) {
			delete(s.nodes, id)
		}
	}
	return removed
}

// ranked sorts counts by count desc, then category.
func ranked(counts map[string]int) []ErrorCount {
	var out []ErrorCount
	for cat, n := range counts {
		out = append(out, ErrorCount{Category: cat, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Category < out[j].Category
	})
	return out
}

// median expects sorted input.
func median(sorted []time.Duration) time.Duration {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
