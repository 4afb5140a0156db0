// Package analytics aggregates finished runs: outcome breakdown, how many fix
// passes runs needed and how long they took.
package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
	Rebind(query string) string
}

// Outcome is the share of runs ending in one status.
type Outcome struct {
	Status string  `json:"status"`
	Count  int     `json:"count"`
	Pct    float64 `json:"pct"`
}

// FixPassDist is the distribution of fix passes per finished run.
type FixPassDist struct {
	Total     int     `json:"total"`
	Zero      float64 `json:"zero_passes_pct"`
	One       float64 `json:"one_pass_pct"`
	Two       float64 `json:"two_passes_pct"`
	ThreePlus float64 `json:"three_plus_pct"`
	Avg       float64 `json:"avg_passes"`
}

// DurationStats summarizes run durations in seconds.
type DurationStats struct {
	Status string  `json:"status"`
	Count  int     `json:"count"`
	Avg    float64 `json:"avg_seconds"`
	P50    float64 `json:"p50_seconds"`
	P95    float64 `json:"p95_seconds"`
}

// Summary bundles every statistic.
type Summary struct {
	Outcomes  []Outcome       `json:"outcomes"`
	FixPasses FixPassDist     `json:"fix_passes"`
	Durations []DurationStats `json:"durations"`
}

// finishedRuns selects rows whose status is terminal.
const finishedRuns = `status != 'running'`

func sinceClause(since string, args []any) (string, []any) {
	if since == "" {
		return "", args
	}
	return ` AND started_at >= ?`, append(args, since)
}

// QueryOutcomes returns the number of finished runs per status, most common
// first.
func QueryOutcomes(database DB, since string) ([]Outcome, error) {
	clause, args := sinceClause(since, nil)
	query := `SELECT status, COUNT(*) FROM runs WHERE ` + finishedRuns + clause + ` GROUP BY status`

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var results []Outcome
	total := 0
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.Status, &o.Count); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		total += o.Count
		results = append(results, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Pct = pct(results[i].Count, total)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Count != results[j].Count {
			return results[i].Count > results[j].Count
		}
		return results[i].Status < results[j].Status
	})
	return results, nil
}

// QueryFixPasses returns how many fix passes finished runs needed.
func QueryFixPasses(database DB, since string) (FixPassDist, error) {
	clause, args := sinceClause(since, nil)
	query := `SELECT fix_passes FROM runs WHERE ` + finishedRuns + clause

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return FixPassDist{}, fmt.Errorf("query fix passes: %w", err)
	}
	defer rows.Close()

	var zero, one, two, threePlus int
	var values []float64
	for rows.Next() {
		var passes int
		if err := rows.Scan(&passes); err != nil {
			return FixPassDist{}, fmt.Errorf("scan fix passes: %w", err)
		}
		values = append(values, float64(passes))
		switch {
		case passes == 0:
			zero++
		case passes == 1:
			one++
		case passes == 2:
			two++
		default:
			threePlus++
		}
	}
	if err := rows.Err(); err != nil {
		return FixPassDist{}, err
	}

	total := len(values)
	return FixPassDist{
		Total:     total,
		Zero:      pct(zero, total),
		One:       pct(one, total),
		Two:       pct(two, total),
		ThreePlus: pct(threePlus, total),
		Avg:       avg(values),
	}, nil
}

// QueryDurations returns duration statistics per status.
func QueryDurations(database DB, since string) ([]DurationStats, error) {
	clause, args := sinceClause(since, nil)
	query := `SELECT status, duration_ms FROM runs WHERE ` + finishedRuns + clause

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query durations: %w", err)
	}
	defer rows.Close()

	byStatus := make(map[string][]float64)
	for rows.Next() {
		var status string
		var ms int64
		if err := rows.Scan(&status, &ms); err != nil {
			return nil, fmt.Errorf("scan duration: %w", err)
		}
		byStatus[status] = append(byStatus[status], float64(ms)/1000)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []DurationStats
	for status, values := range byStatus {
		sort.Float64s(values)
		results = append(results, DurationStats{
			Status: status,
			Count:  len(values),
			Avg:    avg(values),
			P50:    percentile(values, 50),
			P95:    percentile(values, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Status < results[j].Status
	})
	return results, nil
}

// QuerySummary runs every query.
func QuerySummary(database DB, since string) (*Summary, error) {
	outcomes, err := QueryOutcomes(database, since)
	if err != nil {
		return nil, err
	}
	passes, err := QueryFixPasses(database, since)
	if err != nil {
		return nil, err
	}
	durations, err := QueryDurations(database, since)
	if err != nil {
		return nil, err
	}
	return &Summary{Outcomes: outcomes, FixPasses: passes, Durations: durations}, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
