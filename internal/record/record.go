// Package record implements the execution record: an append-only table
// of completed OBs plus cumulative per-state durations, persisted to a
// fresh BoltDB file each run via bbolt buckets.
//
// The file is opened fresh per UTC night rather than reused across
// restarts — no multi-night persistence, but a within-night audit trail
// survives a crash and restart mid-night.
package record

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/joshwalawender/ObservatoryControlSystem/internal/fault"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/ob"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/observability"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/statemachine"
)

var (
	bucketExecuted = []byte("executed")
	bucketMeta     = []byte("meta")
)

// Row is one completed (or failed) OB in the execution record.
type Row struct {
	BlockType string          `json:"blocktype"`
	Target    string          `json:"target"`
	Pattern   int             `json:"pattern_len"`
	InstFilt  string          `json:"inst_filter"`
	Detectors int             `json:"detector_count"`
	Failed    bool            `json:"failed"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
}

// Record is the in-memory execution record, mirrored to a BoltDB file
// for crash-visible audit: the night summary persists as the final
// meta bucket entry.
type Record struct {
	db      *bolt.DB
	rows    []Row
	n       int
	metrics *observability.Metrics
}

// SetMetrics attaches the sequencer's Prometheus metrics so every
// appended row and write transaction is also exported there. Optional:
// a Record with no metrics attached still persists correctly.
func (r *Record) SetMetrics(m *observability.Metrics) {
	r.metrics = m
}

// Open creates (or truncates, if stale from a prior crash on the same
// UTC date) the night's ledger file at path and returns a Record ready
// to append to.
func Open(path string) (*Record, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("record: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketExecuted); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("record: init buckets: %w", err)
	}
	return &Record{db: db}, nil
}

// Close releases the underlying BoltDB handle.
func (r *Record) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Append adds row to the record, both in memory and to the durable
// ledger, append-only in OB-completion order.
func (r *Record) Append(row Row) error {
	r.rows = append(r.rows, row)
	idx := r.n
	r.n++

	start := time.Now()
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecuted)
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("record: marshal row: %w", err)
		}
		return b.Put(itob(idx), data)
	})

	if r.metrics != nil {
		r.metrics.StorageWriteLatency.Observe(time.Since(start).Seconds())
		if err == nil {
			r.metrics.StorageLedgerRows.Set(float64(len(r.rows)))
			outcome := "ok"
			if row.Failed {
				outcome = "failed"
			}
			r.metrics.OBsExecutedTotal.WithLabelValues(outcome).Inc()
		}
	}
	return err
}

// Rows returns a defensive copy of the rows appended so far.
func (r *Record) Rows() []Row {
	out := make([]Row, len(r.rows))
	copy(out, r.rows)
	return out
}

// RowFromBlock builds a Row from a completed Block, stamped with the
// window [started, ended) and the failed verdict the driver computed.
func RowFromBlock(b ob.Block, started, ended time.Time, failed bool) Row {
	return Row{
		BlockType: b.Type.String(),
		Target:    b.Target.Name,
		Pattern:   len(b.Pattern),
		InstFilt:  b.Inst.Filter,
		Detectors: len(b.Detectors),
		Failed:    failed,
		StartedAt: started,
		EndedAt:   ended,
	}
}

// Summary is the human-readable night summary: per-state
// dwell times and percentages, executed/failed OB counts, and fault
// counts by kind.
type Summary struct {
	FinalState     string
	Executed       int
	Failed         int
	Durations      map[statemachine.State]time.Duration
	FaultCounts    map[fault.Kind]int
	TotalWallClock time.Duration
}

// BuildSummary assembles a Summary from the record's rows plus the
// machine's accumulated durations and fault book counts.
func BuildSummary(finalState statemachine.State, rows []Row, durations map[statemachine.State]time.Duration, faults map[fault.Kind]int) Summary {
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	failed := 0
	for _, row := range rows {
		if row.Failed {
			failed++
		}
	}
	return Summary{
		FinalState:     finalState.String(),
		Executed:       len(rows),
		Failed:         failed,
		Durations:      durations,
		FaultCounts:    faults,
		TotalWallClock: total,
	}
}

// Format renders the summary as an end-of-night log: one line per
// state with percentage share, then OB and fault totals.
func (s Summary) Format() string {
	out := fmt.Sprintf("night summary: final_state=%s executed=%d failed=%d wall_clock=%s\n",
		s.FinalState, s.Executed, s.Failed, s.TotalWallClock)
	for state, d := range s.Durations {
		pct := 0.0
		if s.TotalWallClock > 0 {
			pct = 100 * float64(d) / float64(s.TotalWallClock)
		}
		out += fmt.Sprintf("  %-14s %10s (%.1f%%)\n", state.String(), d.Round(time.Second), pct)
	}
	for kind, n := range s.FaultCounts {
		out += fmt.Sprintf("  fault %-18s %d\n", kind.String(), n)
	}
	return out
}

// Persist writes the summary into the meta bucket as the ledger's final
// entry.
func (r *Record) Persist(s Summary) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		data, err := json.Marshal(summaryDoc{
			FinalState: s.FinalState,
			Executed:   s.Executed,
			Failed:     s.Failed,
			Text:       s.Format(),
		})
		if err != nil {
			return fmt.Errorf("record: marshal summary: %w", err)
		}
		return b.Put([]byte("summary"), data)
	})
}

type summaryDoc struct {
	FinalState string `json:"final_state"`
	Executed   int    `json:"executed"`
	Failed     int    `json:"failed"`
	Text       string `json:"text"`
}

func itob(v int) []byte {
	return []byte(fmt.Sprintf("%08d", v))
}
