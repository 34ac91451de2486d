package orchestrator

import (
	"lungctsegmenter/pkg/ai"
	"lungctsegmenter/pkg/config"
	"lungctsegmenter/pkg/imaging"
	"lungctsegmenter/pkg/postprocess"
)

// Options is the typed configuration of a session.
type Options struct {
	LungThreshold   imaging.Range
	AirwayThreshold imaging.Range

	// DetailLevel sets the thinnest airway branch kept by detailed airways
	DetailLevel postprocess.DetailLevel

	DetailedAirways bool
	ShrinkMasks     bool
	DetailedMasks   bool
	UseAI           bool
	Engine          ai.Engine

	// SaveSeeds also writes seed files next to the input on apply
	SaveSeeds bool

	// LoadLastSeeds restores previously saved seeds on start
	LoadLastSeeds bool

	// TempDir receives the session copy of the seed files
	TempDir string
}

// DefaultOptions returns the options of the default configuration.
func DefaultOptions() Options {
	opts, _ := OptionsFromConfig(config.DefaultConfig())
	return opts
}

// OptionsFromConfig derives session options from cfg.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	level, err := postprocess.ParseDetailLevel(cfg.Segmentation.DetailLevel)
	if err != nil {
		return Options{}, err
	}
	engine, err := ai.ParseEngine(cfg.Segmentation.Engine)
	if err != nil {
		return Options{}, err
	}
	return Options{
		LungThreshold:   cfg.Thresholds.Lung.Range(),
		AirwayThreshold: cfg.Thresholds.Airway.Range(),
		DetailLevel:     level,
		DetailedAirways: cfg.Segmentation.DetailedAirways,
		ShrinkMasks:     cfg.Segmentation.ShrinkMasks,
		DetailedMasks:   cfg.Segmentation.DetailedMasks,
		UseAI:           cfg.Segmentation.UseAI,
		Engine:          engine,
		SaveSeeds:       cfg.Segmentation.SaveSeeds,
		LoadLastSeeds:   cfg.Segmentation.LoadLastSeeds,
		TempDir:         cfg.Paths.TempDir,
	}, nil
}

func (o Options) pipeline() postprocess.Options {
	return postprocess.Options{
		ShrinkMasks:     o.ShrinkMasks,
		DetailedMasks:   o.DetailedMasks,
		DetailedAirways: o.DetailedAirways,
		UseAI:           o.UseAI,
		DetailLevel:     o.DetailLevel,
		AirwayThreshold: o.AirwayThreshold,
	}
}
