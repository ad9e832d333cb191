package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tapline/tapline/analysis"
	"github.com/tapline/tapline/clicksink"
	"github.com/tapline/tapline/config"
	"github.com/tapline/tapline/engine"
	"github.com/tapline/tapline/history"
	"github.com/tapline/tapline/logger"
	"github.com/tapline/tapline/rhythm"
	"k8s.io/utils/clock"
)

var (
	runMode  string
	runBPM   int
	runBeats int
	runGrid  string
	runMute  bool

	analyzeAudio string
	analyzeURL   string
	analyzeBPM   int
	analyzeGrid  string

	dbPath string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "tapline",
		Short:        "Rhythm and timing trainer",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath(), "history database path")
	root.AddCommand(newRunCmd(), newAnalyzeCmd(), newHistoryCmd(), newModesCmd())
	return root
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tapline.db"
	}
	return filepath.Join(home, ".tapline", "history.db")
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a drill (space = tap, q = stop)",
		RunE:  runDrillCmd,
	}
	cmd.Flags().StringVar(&runMode, "mode", string(rhythm.ModeSlowMastery), "drill mode")
	cmd.Flags().IntVar(&runBPM, "bpm", 120, "tempo in beats per minute")
	cmd.Flags().IntVar(&runBeats, "beats", 4, "beats per bar (2 or 4)")
	cmd.Flags().StringVar(&runGrid, "grid", string(rhythm.ResolutionBeat), "grid resolution (beat, eighth, sixteenth)")
	cmd.Flags().BoolVar(&runMute, "mute", false, "disable the audible click")
	return cmd
}

func runDrillCmd(cmd *cobra.Command, _ []string) error {
	log := logger.GetProjectLogger()

	mode, err := rhythm.ParseMode(runMode)
	if err != nil {
		return err
	}
	if mode == rhythm.ModeConsonantPrecision {
		return fmt.Errorf("consonant precision runs through %q, not %q", "tapline analyze", "tapline run")
	}
	grid, err := rhythm.ParseResolution(runGrid)
	if err != nil {
		return err
	}
	cfg := config.DrillConfig{
		Mode:        mode,
		BPM:         runBPM,
		BeatsPerBar: runBeats,
		Resolution:  grid,
	}
	if _, err := cfg.Normalize(); err != nil {
		return err
	}

	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	var sink engine.TickSink = clicksink.Discard{}
	if !runMute {
		beep, err := clicksink.NewBeep()
		if err != nil {
			log.Warnf("audio unavailable, running silent: %v", err)
		} else {
			sink = beep
		}
	}

	return runDrillTUI(cfg, store, sink)
}

func newAnalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Submit a recording to the consonant precision analysis service",
		RunE:  runAnalyzeCmd,
	}
	cmd.Flags().StringVar(&analyzeAudio, "audio", "", "path to the recording")
	cmd.Flags().StringVar(&analyzeURL, "url", "http://localhost:8474", "analysis service base URL")
	cmd.Flags().IntVar(&analyzeBPM, "bpm", 120, "tempo in beats per minute")
	cmd.Flags().StringVar(&analyzeGrid, "grid", string(rhythm.ResolutionEighth), "grid resolution")
	if err := cmd.MarkFlagRequired("audio"); err != nil {
		panic(err)
	}
	return cmd
}

func runAnalyzeCmd(cmd *cobra.Command, _ []string) error {
	grid, err := rhythm.ParseResolution(analyzeGrid)
	if err != nil {
		return err
	}
	cfg := config.DrillConfig{
		Mode:        rhythm.ModeConsonantPrecision,
		BPM:         analyzeBPM,
		BeatsPerBar: 4,
		Resolution:  grid,
	}
	norm, err := cfg.Normalize()
	if err != nil {
		return err
	}

	audio, err := os.ReadFile(analyzeAudio)
	if err != nil {
		return fmt.Errorf("reading recording: %w", err)
	}

	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	eng := engine.New(clock.RealClock{}, engine.WithHistoryStore(store))
	if err := eng.Start(norm); err != nil {
		return err
	}

	client := analysis.NewClient(analyzeURL)
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	res, err := client.Analyze(ctx, analysis.Request{
		Audio:       audio,
		BPM:         norm.BPM,
		Resolution:  string(norm.Resolution),
		ToleranceMs: norm.ToleranceMs(),
		MaxEvents:   80,
	})
	if err != nil {
		eng.HardStop()
		return err
	}

	st, rec, err := eng.RecordAnalysis(res)
	if err != nil {
		return err
	}
	fmt.Printf("events: %d  on-time: %.1f%%  mean |dev|: %.1fms  avg offset: %+.1fms\n",
		st.EventCount, st.OnTimePct, st.MeanAbsMs, st.AvgOffsetMs)
	if rec != nil {
		fmt.Printf("saved to history as %s\n", rec.ID)
	}
	return nil
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List completed drills, most recent first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()
			records, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			renderHistory(os.Stdout, records)
			return nil
		},
	}
}

func newModesCmd() *cobra.Command {
	descriptions := map[rhythm.Mode]string{
		rhythm.ModeSubdivisionLab:     "the grid flips between 8ths and 16ths every two bars",
		rhythm.ModeSilentBeat:         "the click drops out for two bars while you hold tempo",
		rhythm.ModePocketControl:      "play ahead of, on, or behind the beat as prompted",
		rhythm.ModeSlowMastery:        "a plain drill at whatever tempo you choose",
		rhythm.ModeConsonantPrecision: "score a recording through the external analysis service",
	}
	return &cobra.Command{
		Use:   "modes",
		Short: "List the available drills",
		Run: func(*cobra.Command, []string) {
			for _, m := range rhythm.Modes {
				fmt.Printf("%-22s %s\n", m, descriptions[m])
			}
		},
	}
}

func openStore() (history.Store, func(), error) {
	store, err := history.OpenSQLite(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening history database: %w", err)
	}
	closeStore := func() {
		if err := store.Close(); err != nil {
			logger.GetProjectLogger().Errorf("closing history database: %v", err)
		}
	}
	return store, closeStore, nil
}
