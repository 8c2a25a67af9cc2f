package cmd

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/spec-serve/spec-serve/serve"
	"github.com/spec-serve/spec-serve/serve/trace"
)

var (
	// CLI flags for engine configs
	seed           int64  // Master seed for sampling streams and synthetic requests
	draftLength    int    // Draft proposal rounds per step
	maxNumSequence int    // Max concurrently running requests
	vocabSize      int    // Vocabulary size for both models
	logLevel       string // Log verbosity level
	traceLevel     string // Event trace level (none, events)
	configFile     string // Optional YAML config file overriding flag defaults

	// CLI flags for the simulated models
	targetPages int // Paged-context capacity of the target model
	draftPages  int // Paged-context capacity of the draft model
	pageSize    int // Tokens per context page

	// CLI flags for the synthetic workload
	numRequests  int // Running requests admitted before the first step
	numSteps     int // Engine steps to drive
	promptTokens int // Prompt length per synthetic request
	lagTokens    int // Tokens the target is ahead by at the first step (exercises catch-up)
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "spec-serve",
	Short: "Speculative-decoding scheduling core for batched inference engines",
}

// runCmd drives the draft scheduling step against the in-memory models
// with a synthetic running batch, standing in for the full engine loop.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the draft scheduling loop on a synthetic workload",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		if configFile != "" {
			if err := applyConfigFile(configFile); err != nil {
				logrus.Fatalf("unable to read config file %s: %v", configFile, err)
			}
		}
		if !trace.IsValidLevel(traceLevel) {
			logrus.Fatalf("Invalid trace level: %s", traceLevel)
		}

		cfg := serve.EngineConfig{
			DraftLength:    draftLength,
			MaxNumSequence: maxNumSequence,
			VocabSize:      vocabSize,
			Seed:           seed,
		}
		cfg.Validate()

		logrus.Infof("Starting draft loop: draft_length=%d, max_num_sequence=%d, vocab=%d, draft pages=%d/%d-token pages",
			cfg.DraftLength, cfg.MaxNumSequence, cfg.VocabSize, draftPages, pageSize)

		runLoop(cfg)
	},
}

func runLoop(cfg serve.EngineConfig) {
	target := serve.NewSimModel(serve.SimModelConfig{
		VocabSize:  cfg.VocabSize,
		TotalPages: targetPages,
		PageSize:   pageSize,
		Seed:       cfg.Seed,
	})
	draft := serve.NewSimModel(serve.SimModelConfig{
		VocabSize:  cfg.VocabSize,
		TotalPages: draftPages,
		PageSize:   pageSize,
		Seed:       cfg.Seed + 1,
	})
	models := []serve.Model{target, draft}

	prefixCache := serve.NewBlockPrefixCache(max(targetPages, 16), pageSize)
	prefixCache.SetReleaseHook(draft.ReleaseCachedPages)

	state := serve.NewEngineState(serve.NewEngineKey(cfg.Seed), prefixCache)
	pool := serve.NewDraftSlotPool(cfg.EffectiveSlotCapacity())
	store := serve.NewProbStorage(cfg.EffectiveSlotCapacity(), cfg.VocabSize)

	var recorder *trace.Recorder
	if trace.Level(traceLevel) == trace.LevelEvents {
		recorder = trace.NewRecorder(trace.LevelEvents)
	}
	action := serve.NewBatchDraftAction(models, serve.NewPenaltyProcessor(), serve.NewStreamSampler(), pool, store, cfg, recorder)

	admitSyntheticRequests(state, models, prefixCache)

	startTime := time.Now()
	for step := 0; step < numSteps; step++ {
		state.StepCount = step
		action.Step(state)
		// Stand-in for the out-of-scope verification step: accept every
		// draft token, release the slots, and defer the prefix-cache
		// extension to overlap with the next round's device work.
		acceptAllDrafts(state, pool, prefixCache)
	}

	state.Metrics.Print()
	if recorder != nil {
		fmt.Printf("Trace events recorded : %d\n", len(recorder.Events))
	}
	logrus.Infof("Draft loop complete in %v: %d running, %d waiting.",
		time.Since(startTime), len(state.RunningQueue), state.WaitQ.Len())
}

// admitSyntheticRequests seeds the running queue the way the prefill
// step would have: sequences registered on both models, target ahead of
// the draft by lagTokens committed tokens.
func admitSyntheticRequests(state *serve.EngineState, models []serve.Model, prefixCache *serve.BlockPrefixCache) {
	workloadRNG := rand.New(rand.NewSource(seed))
	for i := 0; i < numRequests; i++ {
		id := fmt.Sprintf("req-%03d", i)
		prompt := make([]int, promptTokens)
		for j := range prompt {
			prompt[j] = workloadRNG.Intn(vocabSize)
		}
		committed := append([]int{}, prompt...)
		for j := 0; j < lagTokens; j++ {
			committed = append(committed, workloadRNG.Intn(vocabSize))
		}

		targetState := &serve.ModelState{InternalID: int64(i), CommittedTokens: committed}
		draftState := &serve.ModelState{
			InternalID:             int64(i),
			CommittedTokens:        append([]int{}, prompt...),
			NumTokensForNextDecode: 1,
		}
		models[0].AddSequence(int64(i), committed)
		models[1].AddSequence(int64(i), draftState.CommittedTokens)
		prefixCache.AllocateFor(id, committed)

		state.AddRunning(&serve.RequestStateEntry{
			Request: &serve.Request{
				ID: id,
				GenCfg: serve.GenerationConfig{
					Temperature:       0.8,
					TopP:              0.95,
					RepetitionPenalty: 1.1,
				},
			},
			ModelStates: []*serve.ModelState{targetState, draftState},
		})
	}
}

// acceptAllDrafts plays the verifier accepting the whole chain of every
// running entry, which keeps the slot pool cycling across steps.
func acceptAllDrafts(state *serve.EngineState, pool *serve.DraftSlotPool, prefixCache *serve.BlockPrefixCache) {
	for _, entry := range state.RunningQueue {
		draftState := entry.ModelStates[1]
		accepted := make([]int, 0, len(draftState.DraftOutputTokens))
		for _, dt := range draftState.DraftOutputTokens {
			accepted = append(accepted, dt.Token)
		}
		slots := draftState.RemoveAllDraftTokens()
		pool.FreeSlots(slots)
		for _, tok := range accepted {
			entry.ModelStates[0].CommitToken(tok)
			draftState.CommitToken(tok)
		}
		draftState.NumTokensForNextDecode = 1
		prefixCache.DeferExtension(entry.Request.ID, accepted)
	}
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for sampling streams and synthetic requests")
	runCmd.Flags().StringVar(&logLevel, "log", "error", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().StringVar(&traceLevel, "trace", "none", "Event trace level (none, events)")
	runCmd.Flags().StringVar(&configFile, "config", "", "YAML config file overriding flag defaults")

	// Engine configs
	runCmd.Flags().IntVar(&draftLength, "draft-length", 4, "Draft proposal rounds per step")
	runCmd.Flags().IntVar(&maxNumSequence, "max-num-sequence", 64, "Maximum number of requests running together")
	runCmd.Flags().IntVar(&vocabSize, "vocab-size", 512, "Vocabulary size of both models")

	// Simulated model configs
	runCmd.Flags().IntVar(&targetPages, "target-pages", 4096, "Paged-context capacity of the target model")
	runCmd.Flags().IntVar(&draftPages, "draft-pages", 1024, "Paged-context capacity of the draft model")
	runCmd.Flags().IntVar(&pageSize, "page-size", 16, "Tokens per context page")

	// Synthetic workload configs
	runCmd.Flags().IntVar(&numRequests, "requests", 8, "Running requests admitted before the first step")
	runCmd.Flags().IntVar(&numSteps, "steps", 16, "Engine steps to drive")
	runCmd.Flags().IntVar(&promptTokens, "prompt-tokens", 32, "Prompt length per synthetic request")
	runCmd.Flags().IntVar(&lagTokens, "lag-tokens", 2, "Tokens the target model is ahead by at the first step")

	// Attach `run` as a subcommand to `root`
	rootCmd.AddCommand(runCmd)
}
