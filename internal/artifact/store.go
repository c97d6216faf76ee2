// Package artifact persists run directories, the FSM's LoopState, and the
// dashboard status file to disk with atomic, torn-read-free writes.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tidalline/autotune/internal/jsonutil"
	"github.com/tidalline/autotune/internal/models"
)

const (
	sourceTracesFile     = "source_traces.json"
	findingsVariantsFile = "findings_and_variants.json"
	promotionFile        = "promotion_decision.json"
	statusFile           = "status.json"
	loopStateFile        = "loop_state.json"
	variantRunsDir       = "variant_runs"
)

// Store owns the runs directory and the single dashboard status file.
type Store struct {
	runsDir    string
	statusPath string
}

func New(runsDir, statusPath string) *Store {
	return &Store{runsDir: runsDir, statusPath: statusPath}
}

// NewRunDir creates a fresh per-run directory named by a sortable
// timestamp, so lexicographic order is chronological order.
func (s *Store) NewRunDir(now time.Time) (string, error) {
	name := now.UTC().Format("20060102T150405.000000000Z")
	dir := filepath.Join(s.runsDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact: create run dir: %w", err)
	}
	return dir, nil
}

// PreviousRunDir returns the most recent run directory strictly before
// current in creation order, or ("", false, nil) if current is the first
// run this store has ever created.
func (s *Store) PreviousRunDir(current string) (string, bool, error) {
	entries, err := os.ReadDir(s.runsDir)
	if err != nil {
		return "", false, fmt.Errorf("artifact: list runs dir: %w", err)
	}
	currentName := filepath.Base(current)

	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.Contains(e.Name(), ".quarantined-") {
			continue
		}
		if e.Name() >= currentName {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return "", false, nil
	}
	sort.Strings(names)
	return filepath.Join(s.runsDir, names[len(names)-1]), true, nil
}

// writeAtomic writes data to a temp file in the same directory as path and
// renames it into place, so a reader never observes a partially-written
// file. Same-directory temp files keep the rename on one filesystem.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("artifact: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("artifact: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("artifact: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("artifact: rename into place: %w", err)
	}
	return nil
}

// WriteSourceTraces is the first artifact written in a run, per the
// mandated write order source_traces -> findings_and_variants ->
// variant_runs -> promotion_decision.
func (s *Store) WriteSourceTraces(runDir string, st models.SourceTraces) error {
	return writeJSON(filepath.Join(runDir, sourceTracesFile), st)
}

func (s *Store) ReadSourceTraces(runDir string) (models.SourceTraces, error) {
	var st models.SourceTraces
	err := readJSON(filepath.Join(runDir, sourceTracesFile), &st)
	return st, err
}

func (s *Store) WriteFindingsAndVariants(runDir string, fv models.FindingsAndVariants) error {
	return writeJSON(filepath.Join(runDir, findingsVariantsFile), fv)
}

func (s *Store) ReadFindingsAndVariants(runDir string) (models.FindingsAndVariants, error) {
	var fv models.FindingsAndVariants
	err := readJSON(filepath.Join(runDir, findingsVariantsFile), &fv)
	return fv, err
}

// WriteVariantRun appends one evaluated run to the run's variant_runs
// subdirectory, named by variant and split so no two runs collide per the
// (variant_name, split, run_dir) uniqueness invariant.
func (s *Store) WriteVariantRun(runDir string, run models.VariantRun) error {
	dir := filepath.Join(runDir, variantRunsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("artifact: create variant_runs dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.json", run.VariantName, run.Split)
	return writeJSON(filepath.Join(dir, name), run)
}

func (s *Store) ReadVariantRun(runDir, variantName string, split models.Split) (models.VariantRun, error) {
	var run models.VariantRun
	name := fmt.Sprintf("%s_%s.json", variantName, split)
	err := readJSON(filepath.Join(runDir, variantRunsDir, name), &run)
	return run, err
}

// ListVariantRuns returns every variant run filename in a run directory,
// sorted, for status summarization.
func (s *Store) ListVariantRuns(runDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(runDir, variantRunsDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: list variant runs: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) WritePromotionDecision(runDir string, decision models.PromotionDecision) error {
	return writeJSON(filepath.Join(runDir, promotionFile), decision)
}

func (s *Store) ReadPromotionDecision(runDir string) (models.PromotionDecision, error) {
	var d models.PromotionDecision
	err := readJSON(filepath.Join(runDir, promotionFile), &d)
	return d, err
}

// WriteStatus atomically overwrites the single dashboard status file.
func (s *Store) WriteStatus(status models.Status) error {
	if err := os.MkdirAll(filepath.Dir(s.statusPath), 0o755); err != nil {
		return fmt.Errorf("artifact: create status dir: %w", err)
	}
	return writeJSON(s.statusPath, status)
}

// ReadStatus reads the dashboard status file. A corrupt file is reported
// as ErrCorrupt so the caller can quarantine and rewrite it rather than
// crash the Status API.
func (s *Store) ReadStatus() (models.Status, error) {
	var status models.Status
	err := readJSON(s.statusPath, &status)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return models.Status{}, fmt.Errorf("%w: %s", ErrCorrupt, err.Error())
	}
	return status, err
}

// ErrCorrupt marks a status.json or loop_state.json that failed JSON
// decoding — a schema violation per the artifact contract, not a missing
// file. Reads of run artifacts return the decode error unwrapped.
var ErrCorrupt = errors.New("artifact: corrupt file")

// QuarantineRunDir renames a run directory aside (suffixed .quarantined)
// so a corrupt run never blocks status reporting or the next tick, per the
// artifact-schema-violation error policy.
func (s *Store) QuarantineRunDir(runDir string) error {
	dst := runDir + ".quarantined-" + time.Now().UTC().Format("20060102T150405")
	if err := os.Rename(runDir, dst); err != nil {
		return fmt.Errorf("artifact: quarantine run dir: %w", err)
	}
	return nil
}

// WriteLoopState persists the FSM's process-wide state; called after
// every phase transition so a crash between ticks resumes correctly.
func (s *Store) WriteLoopState(state models.LoopState) error {
	return writeJSON(filepath.Join(s.runsDir, loopStateFile), state)
}

func (s *Store) ReadLoopState() (models.LoopState, bool, error) {
	var state models.LoopState
	err := readJSON(filepath.Join(s.runsDir, loopStateFile), &state)
	if errors.Is(err, os.ErrNotExist) {
		return models.LoopState{}, false, nil
	}
	if err != nil {
		return models.LoopState{}, false, fmt.Errorf("%w: %s", ErrCorrupt, err.Error())
	}
	return state, true, nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("artifact: create dir: %w", err)
	}
	data := []byte(jsonutil.MustMarshalIndent(v))
	return writeAtomic(path, data)
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return jsonutil.DecodeArtifact(data, out)
}
