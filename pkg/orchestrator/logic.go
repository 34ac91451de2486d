package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mdobak/go-xerrors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"

	"lungctsegmenter/internal/models"
	"lungctsegmenter/pkg/ai"
	"lungctsegmenter/pkg/config"
	"lungctsegmenter/pkg/growing"
	"lungctsegmenter/pkg/imaging"
	"lungctsegmenter/pkg/postprocess"
	"lungctsegmenter/pkg/seeds"
	"lungctsegmenter/pkg/segmentation"
)

// ResultName is the name of the segmentation result of a session.
const ResultName = "Lung segmentation"

// Status texts shown while a session runs.
const (
	StatusNotEnoughMarkups = "Not enough markups ..."
	StatusRegionGrowing    = "Region growing..."
	StatusResampling       = "Resampling volume, please wait..."
	StatusFinalizing       = "Finalizing the segmentation, please wait..."
	StatusAIDeclined       = "AI processing cancelled by user."
	StatusDone             = "Segmentation finished."
)

// Config wires the collaborators of a Logic.
type Config struct {
	Capabilities imaging.Capabilities

	// Delegate runs the AI engines; nil disables AI segmentation
	Delegate *ai.Delegate

	Options Options
	Logger  *zap.SugaredLogger

	// StatusFunc receives every human readable status change
	StatusFunc func(string)

	// OnStateChange is called after every state transition
	OnStateChange func(from, to State)
}

// Logic is the segmentation session controller. It is not safe for
// concurrent use: callers serialize calls, as an interactive front end does.
type Logic struct {
	caps     imaging.Capabilities
	delegate *ai.Delegate
	pipeline *postprocess.Pipeline
	opts     Options
	logger   *zap.SugaredLogger

	statusFunc    func(string)
	onStateChange func(from, to State)

	state  State
	status string

	input     *models.Volume
	inputPath string

	result *segmentation.Result
	aux    *segmentation.Result

	// session resources, released on finish and cancel
	working *models.Volume
	store   *seeds.Store
	engine  *growing.Engine

	updating bool
	pending  bool

	applied seeds.Snapshot
	reports []postprocess.StageReport
	outcome *ai.Outcome
}

// New creates an idle Logic. A delegate without post-processor, resampler or
// status sink gets the session's own.
func New(cfg Config) (*Logic, error) {
	if err := cfg.Capabilities.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	l := &Logic{
		caps:          cfg.Capabilities,
		delegate:      cfg.Delegate,
		opts:          cfg.Options,
		logger:        logger,
		statusFunc:    cfg.StatusFunc,
		onStateChange: cfg.OnStateChange,
	}
	l.pipeline = postprocess.New(cfg.Capabilities, logger, l.setStatus)

	if d := l.delegate; d != nil {
		if d.Postprocess == nil {
			d.Postprocess = l.pipeline
		}
		if d.Resampler == nil {
			d.Resampler = cfg.Capabilities.Resampler
		}
		if d.Logger == nil {
			d.Logger = logger
		}
		if d.Status == nil {
			d.Status = l.setStatus
		}
	}
	return l, nil
}

func (l *Logic) setStatus(msg string) {
	l.status = msg
	l.logger.Debugw("status", "message", msg)
	if l.statusFunc != nil {
		l.statusFunc(msg)
	}
}

func (l *Logic) setState(s State) {
	from := l.state
	if from == s {
		return
	}
	l.state = s
	l.logger.Debugw("state changed", "from", from, "to", s)
	if l.onStateChange != nil {
		l.onStateChange(from, s)
	}
}

// State returns the session state.
func (l *Logic) State() State { return l.state }

// Status returns the last status text.
func (l *Logic) Status() string { return l.status }

// Options returns the session options.
func (l *Logic) Options() Options { return l.opts }

// SetOptions replaces the session options. The lung threshold of a running
// preview is updated; call Update to regrow with it.
func (l *Logic) SetOptions(opts Options) error {
	if l.state == Finalizing {
		return ErrBusy
	}
	l.opts = opts
	if l.engine != nil {
		l.engine.SetLungThreshold(opts.LungThreshold)
	}
	return nil
}

// SetDefaults restores the default lung and airway thresholds.
func (l *Logic) SetDefaults() {
	l.opts.LungThreshold = config.DefaultLungThreshold.Range()
	l.opts.AirwayThreshold = config.DefaultAirwayThreshold.Range()
	if l.engine != nil {
		l.engine.SetLungThreshold(l.opts.LungThreshold)
	}
	l.logger.Infow("thresholds reset", "lung", l.opts.LungThreshold, "airway", l.opts.AirwayThreshold)
}

// SetInput binds the input volume. path locates the data directory for seed
// files and may be empty.
func (l *Logic) SetInput(v *models.Volume, path string) {
	l.input = v
	l.inputPath = path
}

// Input returns the bound input volume.
func (l *Logic) Input() *models.Volume { return l.input }

// Result returns the segmentation result, nil before the first start.
func (l *Logic) Result() *segmentation.Result { return l.result }

// AuxResult returns the hidden TotalSegmentator result of the last AI run.
func (l *Logic) AuxResult() *segmentation.Result { return l.aux }

// Reports returns the optional stage reports of the last apply.
func (l *Logic) Reports() []postprocess.StageReport { return l.reports }

// Outcome returns the AI outcome of the last apply, nil when AI did not run.
func (l *Logic) Outcome() *ai.Outcome { return l.outcome }

// AppliedSeeds returns the seeds used by the last apply.
func (l *Logic) AppliedSeeds() seeds.Snapshot { return l.applied }

// WorkingVolume returns the preview volume of the running session.
func (l *Logic) WorkingVolume() *models.Volume { return l.working }

// Seeds returns the seed store of the running session, nil otherwise.
func (l *Logic) Seeds() *seeds.Store { return l.store }

// Measurements returns the size of every result segment.
func (l *Logic) Measurements() []segmentation.Measurement {
	if l.result == nil {
		return nil
	}
	return l.result.Measure()
}

// Start opens a session: it clears the result, prepares the working volume
// and creates empty seed sets. Starting a running session does nothing.
func (l *Logic) Start() error {
	switch {
	case l.state == Finalizing:
		return ErrBusy
	case l.state.active():
		return nil
	case l.input == nil:
		return ErrNoInputVolume
	}
	started := time.Now()

	l.setStatus(StatusResampling)
	working, err := PrepareWorkingVolume(l.caps.Resampler, l.input)
	if err != nil {
		return err
	}

	if l.result == nil {
		l.result = segmentation.NewResult(ResultName, working.Geometry)
	} else {
		l.result.Reset(working.Geometry)
	}
	// seeds are shown instead of the result while placing points
	l.result.Visible2D, l.result.Visible3D = false, false
	l.aux = nil
	l.reports = nil
	l.outcome = nil
	l.applied = seeds.Snapshot{}

	l.working = working
	l.engine = growing.NewEngine(l.caps.Grow, growing.DefaultOptions(l.opts.LungThreshold), l.logger)
	l.store = seeds.NewStore(l.onSeedsChanged)
	if err := l.store.Lock(); err != nil {
		return err
	}
	l.setState(Started)

	if l.opts.LoadLastSeeds {
		if dir, err := l.LoadSeeds(); err != nil {
			l.logger.Infow("no previous seeds loaded", "reason", err)
		} else {
			l.logger.Infow("seeds loaded", "dir", dir)
		}
	}

	l.logger.Infow("StartSegmentation completed", "duration", time.Since(started), "working", working.Geometry)
	return nil
}

// SeedDirs returns the data directory next to the input, empty when the
// input has no path, and the temporary seed directory.
func (l *Logic) SeedDirs() (data, temp string) {
	if l.inputPath != "" {
		data = seeds.DataDir(l.inputPath)
	}
	return data, l.opts.TempDir
}

// LoadSeeds replaces the session seeds with the first complete set of files
// found in dirs, by default the data directory and then the temp directory.
func (l *Logic) LoadSeeds(dirs ...string) (string, error) {
	if l.store == nil {
		return "", fmt.Errorf("%w: no segmentation session", seeds.ErrInvalidSeedSet)
	}
	if len(dirs) == 0 {
		data, temp := l.SeedDirs()
		dirs = []string{data, temp}
	}
	return seeds.LoadPreferred(l.store, dirs...)
}

// AddPoint appends a point to set.
func (l *Logic) AddPoint(set seeds.Set, p r3.Vec) (string, error) {
	return l.store.AddPoint(set, p)
}

// RemovePoint deletes point index of set.
func (l *Logic) RemovePoint(set seeds.Set, index int) error {
	return l.store.RemovePoint(set, index)
}

// MovePoint moves a point in place. Running sessions lock their seeds, so
// moves are expressed as RemovePoint followed by AddPoint.
func (l *Logic) MovePoint(set seeds.Set, index int, p r3.Vec) error {
	return l.store.MovePoint(set, index, p)
}

func (l *Logic) onSeedsChanged(set seeds.Set) {
	if err := l.requestUpdate(false); err != nil {
		l.logger.Errorw("update after seed change failed", "set", set, "error", xerrors.New(err))
	}
}

// Update regrows the preview from the current seeds and thresholds.
func (l *Logic) Update() error {
	if !l.state.active() {
		return ErrNotStarted
	}
	return l.requestUpdate(true)
}

// requestUpdate runs the preview growth. Requests arriving while a growth is
// in progress collapse into one more pass over the latest seeds.
func (l *Logic) requestUpdate(force bool) error {
	if l.updating {
		l.pending = true
		return nil
	}
	l.updating = true
	defer func() { l.updating = false }()

	for {
		l.pending = false
		if err := l.update(force); err != nil {
			return err
		}
		if !l.pending {
			return nil
		}
		force = false
	}
}

func (l *Logic) update(force bool) error {
	if !l.state.active() || l.opts.UseAI {
		return nil
	}
	snap, err := l.store.Snapshot()
	if err != nil {
		return err
	}
	if !snap.Sufficient(false) {
		l.setStatus(StatusNotEnoughMarkups)
		return nil
	}
	if rev, grown := l.engine.GrownRevision(); grown && rev == snap.Revision && !force {
		return nil
	}

	l.setStatus(StatusRegionGrowing)
	ok, err := l.engine.GrowPreview(l.result, l.working, snap)
	if err != nil {
		return fmt.Errorf("region growing: %w", err)
	}
	if ok {
		l.setState(PreviewLoop)
	}
	return nil
}

// Apply finalizes the session. Seeded growth runs the post-processing
// pipeline; AI mode runs the selected engine. Optional stages that fail are
// reported and skipped. On a fatal error the session stays started with its
// seeds so the caller can retry or cancel.
func (l *Logic) Apply(ctx context.Context) (err error) {
	switch l.state {
	case Started, PreviewLoop:
	case Finalizing:
		return ErrBusy
	case Finished:
		return ErrAlreadyFinished
	default:
		return ErrNotStarted
	}
	started := time.Now()

	snap, err := l.store.Snapshot()
	if err != nil {
		return err
	}
	if !l.opts.UseAI {
		if !snap.Sufficient(false) {
			l.setStatus(StatusNotEnoughMarkups)
			return ErrInsufficientSeeds
		}
		if err := l.requestUpdate(false); err != nil {
			return err
		}
	}

	l.saveSeeds()
	l.setStatus(StatusFinalizing)
	l.setState(Finalizing)

	defer func() {
		if err != nil {
			l.abortApply(err)
		}
	}()

	var reports []postprocess.StageReport
	if l.opts.UseAI {
		rep, err := l.runAI(ctx)
		if err != nil {
			return fmt.Errorf("apply segmentation: %w", err)
		}
		if rep != nil {
			reports = append(reports, *rep)
		}
	} else {
		reps, err := l.pipeline.RunSeeded(l.result, l.input, l.engine, l.opts.pipeline())
		reports = append(reports, reps...)
		if err != nil {
			return fmt.Errorf("apply segmentation: %w", err)
		}
	}

	if l.opts.DetailedAirways {
		reports = append(reports, l.detailedAirways(snap))
	}

	if err := l.pipeline.BuildSurfaces(l.result, l.opts.UseAI); err != nil {
		return fmt.Errorf("apply segmentation: %w", err)
	}

	l.reports = reports
	l.applied = snap
	l.release()
	l.setState(Finished)
	l.setStatus(StatusDone)
	l.logger.Infow("ApplySegmentation completed", "duration", time.Since(started), "segments", l.result.Len())
	return nil
}

func (l *Logic) detailedAirways(snap seeds.Snapshot) postprocess.StageReport {
	if snap.Count(seeds.Trachea) == 0 {
		rep := postprocess.StageReport{Stage: "detailed airways", Skipped: true, Reason: "no trachea seed"}
		l.logger.Warnw("airway segmentation skipped", "reason", rep.Reason)
		return rep
	}
	return l.pipeline.DetailedAirways(l.result, l.input, snap.Sets[seeds.Trachea][0].Position, l.opts.pipeline())
}

// runAI runs the selected engine. A declined CPU run, a missing engine or an
// undefined engine skips the AI stage and is returned as a report.
func (l *Logic) runAI(ctx context.Context) (*postprocess.StageReport, error) {
	rep := &postprocess.StageReport{Stage: "AI segmentation (" + string(l.opts.Engine) + ")"}
	if l.delegate == nil {
		rep.Skipped = true
		rep.Err = fmt.Errorf("%w: AI delegate", imaging.ErrCapabilityMissing)
		rep.Reason = rep.Err.Error()
		l.logger.Errorw("AI segmentation skipped", "error", xerrors.New(rep.Err))
		return rep, nil
	}

	out, err := l.delegate.Run(ctx, l.opts.Engine, l.result, l.input)
	switch {
	case errors.Is(err, ai.ErrAIDeclined):
		rep.Skipped = true
		rep.Reason = StatusAIDeclined
		rep.Err = err
		l.setStatus(StatusAIDeclined)
		return rep, nil
	case errors.Is(err, imaging.ErrCapabilityMissing), errors.Is(err, ai.ErrUnknownEngine):
		rep.Skipped = true
		rep.Reason = err.Error()
		rep.Err = err
		l.logger.Errorw("AI segmentation skipped", "error", xerrors.New(err))
		return rep, nil
	case err != nil:
		return nil, err
	}

	l.outcome = &out
	l.aux = out.Aux
	for _, s := range out.Skipped {
		l.logger.Warnw("structure not imported", "name", s.Name, "path", s.Path, "reason", s.Reason)
	}
	return rep, nil
}

// saveSeeds writes the seed files to the temp directory and, when enabled,
// next to the input. Failures are logged only.
func (l *Logic) saveSeeds() {
	data, temp := l.SeedDirs()
	if temp != "" {
		l.logger.Infow("Saving markups in temp directory ...", "dir", temp)
		if err := seeds.Save(l.store, temp); err != nil {
			l.logger.Errorw("failed to save markups", "error", xerrors.New(err))
		}
	}
	if !l.opts.SaveSeeds {
		return
	}
	if data == "" {
		l.logger.Errorw("cannot save markups next to the input", "reason", "input has no path")
		return
	}
	l.logger.Infow("Saving markups in volume directory ...", "dir", data)
	if err := seeds.Save(l.store, data); err != nil {
		l.logger.Errorw("failed to save markups", "error", xerrors.New(err))
	}
}

// abortApply returns a failed apply to the started state. Finalized masks
// cannot be regrown from, so the preview is discarded and grown again on the
// next update.
func (l *Logic) abortApply(err error) {
	l.logger.Errorw("apply failed", "error", xerrors.New(err))
	if l.working != nil {
		l.result.Reset(l.working.Geometry)
	}
	if l.engine != nil {
		l.engine.Reset()
	}
	l.setState(Started)
	l.setStatus("Failed to compute results: " + err.Error())
}

// release drops the session resources.
func (l *Logic) release() {
	l.working = nil
	l.store = nil
	l.engine = nil
	l.updating = false
	l.pending = false
}

// Cancel discards the result and the session resources and returns to Idle.
func (l *Logic) Cancel() error {
	switch l.state {
	case Idle:
		return nil
	case Finalizing:
		return ErrBusy
	}
	if l.result != nil {
		l.result.RemoveAll()
	}
	l.aux = nil
	l.reports = nil
	l.outcome = nil
	l.release()
	l.setState(Cancelled)
	l.setState(Idle)
	l.setStatus("")
	return nil
}

// ToggleVisibility flips the 2D and 3D visibility of a finished result and
// returns the new visibility.
func (l *Logic) ToggleVisibility() (bool, error) {
	if l.state != Finished {
		return false, ErrNotFinished
	}
	visible := !(l.result.Visible2D && l.result.Visible3D)
	l.result.Visible2D, l.result.Visible3D = visible, visible
	return visible, nil
}
