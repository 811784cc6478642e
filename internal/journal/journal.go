// Package journal keeps a bbolt-backed record of failover runs and their step
// outcomes so an operator can see how far a failed run got.
package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/nsgswap/internal/failover"
)

var (
	bucketRuns  = []byte("runs")
	bucketSteps = []byte("steps")
	bucketMeta  = []byte("meta")

	keyRevision = []byte("current_revision")
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Run is one journaled failover invocation.
type Run struct {
	Rev        int64                 `json:"rev" yaml:"rev"`
	ID         string                `json:"id" yaml:"id"`
	Plan       *failover.Plan        `json:"plan" yaml:"plan"`
	Phase      failover.Phase        `json:"phase" yaml:"phase"`
	FailedStep int                   `json:"failed_step" yaml:"failed_step"`
	Error      string                `json:"error,omitempty" yaml:"error,omitempty"`
	Started    time.Time             `json:"started" yaml:"started"`
	Finished   time.Time             `json:"finished,omitempty" yaml:"finished,omitempty"`
	Steps      []failover.StepResult `json:"steps,omitempty" yaml:"steps,omitempty"`
}

// Journal records runs. It implements failover.Recorder.
type Journal struct {
	mu  sync.Mutex
	db  *bbolt.DB
	rev int64
}

// Open opens or creates the journal file at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &Journal{db: db}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRuns, bucketSteps, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		if v := tx.Bucket(bucketMeta).Get(keyRevision); v != nil {
			j.rev = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init journal: %w", err)
	}
	return j, nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RunStarted stores a new run under the next revision.
func (j *Journal) RunStarted(_ context.Context, res *failover.Result, plan *failover.Plan) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	rev := j.rev + 1
	run := Run{
		Rev:        rev,
		ID:         res.RunID,
		Plan:       plan,
		Phase:      res.Phase,
		FailedStep: -1,
		Started:    res.Started,
	}

	err := j.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx.Bucket(bucketRuns), revKey(rev), run); err != nil {
			return err
		}
		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(runIndexKey(res.RunID), revKey(rev)); err != nil {
			return err
		}
		return meta.Put(keyRevision, revKey(rev))
	})
	if err != nil {
		return fmt.Errorf("record run %s: %w", res.RunID, err)
	}

	j.rev = rev
	return nil
}

// StepFinished stores the outcome of one step.
func (j *Journal) StepFinished(_ context.Context, runID string, step failover.StepResult) error {
	err := j.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketSteps), stepKey(runID, step.Index), step)
	})
	if err != nil {
		return fmt.Errorf("record step %d of run %s: %w", step.Index+1, runID, err)
	}
	return nil
}

// RunFinished stores the final phase of a run.
func (j *Journal) RunFinished(_ context.Context, res *failover.Result) error {
	err := j.db.Update(func(tx *bbolt.Tx) error {
		key := tx.Bucket(bucketMeta).Get(runIndexKey(res.RunID))
		if key == nil {
			return ErrRunNotFound
		}
		runs := tx.Bucket(bucketRuns)

		var run Run
		if err := json.Unmarshal(runs.Get(key), &run); err != nil {
			return err
		}
		run.Phase = res.Phase
		run.FailedStep = res.FailedStep
		run.Error = res.Error
		run.Finished = res.Finished
		return putJSON(runs, key, run)
	})
	if err != nil {
		return fmt.Errorf("finish run %s: %w", res.RunID, err)
	}
	return nil
}

// Get returns one run with its steps.
func (j *Journal) Get(runID string) (*Run, error) {
	var run *Run
	err := j.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket(bucketMeta).Get(runIndexKey(runID))
		if key == nil {
			return ErrRunNotFound
		}
		r, err := loadRun(tx, tx.Bucket(bucketRuns).Get(key))
		if err != nil {
			return err
		}
		run = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// List returns up to n runs, newest first. n <= 0 returns every run.
func (j *Journal) List(n int) ([]Run, error) {
	var runs []Run
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if n > 0 && len(runs) == n {
				break
			}
			run, err := loadRun(tx, v)
			if err != nil {
				return err
			}
			runs = append(runs, *run)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func loadRun(tx *bbolt.Tx, data []byte) (*Run, error) {
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}

	prefix := stepPrefix(run.ID)
	c := tx.Bucket(bucketSteps).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var step failover.StepResult
		if err := json.Unmarshal(v, &step); err != nil {
			return nil, fmt.Errorf("decode step: %w", err)
		}
		run.Steps = append(run.Steps, step)
	}
	return &run, nil
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func revKey(rev int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(rev))
	return b
}

func runIndexKey(runID string) []byte {
	return []byte("run/" + runID)
}

func stepPrefix(runID string) []byte {
	return []byte(runID + "/")
}

func stepKey(runID string, index int) []byte {
	key := stepPrefix(runID)
	return binary.BigEndian.AppendUint32(key, uint32(index))
}
