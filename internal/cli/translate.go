package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lingosub/lingosub/internal/broker"
	"github.com/lingosub/lingosub/internal/config"
	"github.com/lingosub/lingosub/internal/fs"
	"github.com/lingosub/lingosub/internal/logging"
	"github.com/lingosub/lingosub/internal/plan"
	"github.com/lingosub/lingosub/internal/subtitle"
	"github.com/lingosub/lingosub/internal/translate"
	"github.com/spf13/cobra"
)

var translateCmd = &cobra.Command{
	Use:   "translate [flags] <input-file>",
	Short: "Translate a subtitle file, reusing cached results when available",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Allow resolving some flags from env vars.
		if err := resolveStringFlagFromEnv(cmd, flagApiKey, envAPIKey); err != nil {
			return err
		}
		if err := resolveStringFlagFromEnv(cmd, flagSecondaryAPIKey, envSecondaryAPIKey); err != nil {
			return err
		}
		if err := resolveStringFlagFromEnv(cmd, flagProvider, envProvider); err != nil {
			return err
		}
		if err := resolveStringFlagFromEnv(cmd, flagSecondaryProvider, envSecondaryProvider); err != nil {
			return err
		}
		if err := resolveStringFlagFromEnv(cmd, flagModel, envModel); err != nil {
			return err
		}
		if err := resolveStringFlagFromEnv(cmd, flagSecondaryModel, envSecondaryModel); err != nil {
			return err
		}
		if err := resolveStringFlagFromEnv(cmd, flagWorkflow, envWorkflow); err != nil {
			return err
		}
		if err := resolveStringFlagFromEnv(cmd, flagPrompt, envPrompt); err != nil {
			return err
		}
		if err := resolveIntFlagFromEnv(cmd, flagMaxWorkers, envMaxWorkers); err != nil {
			return err
		}
		if err := resolveFloat64FlagFromEnv(cmd, flagRPS, envRPS); err != nil {
			return err
		}
		if err := resolveDurationFlagFromEnv(cmd, flagRequestTimeout, envRequestTimeout); err != nil {
			return err
		}

		ctx := cmd.Context()
		log := logging.FromContext(ctx)

		inputPath := args[0]
		if inputPath == "-" {
			return errors.New("stdin is not supported yet; pass a subtitle file path")
		}
		absInput, err := fs.ResolveAbsPath(inputPath)
		if err != nil {
			return err
		}
		inputPath = absInput

		outputPath, _ := cmd.Flags().GetString(flagOutput)
		if outputPath == "" {
			return errors.New("--output is required and must not exist (we never overwrite on translate)")
		}
		absOutput, err := fs.ResolveAbsPath(outputPath)
		if err != nil {
			return err
		}
		outputPath = absOutput
		if _, err := os.Stat(outputPath); err == nil {
			return errors.New("output file already exists")
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := fs.ValidatePathWritable(outputPath); err != nil {
			return fmt.Errorf("invalid --output path %s: %w", outputPath, err)
		}

		source, err := os.ReadFile(inputPath)
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}

		format, _ := cmd.Flags().GetString(flagFormat)
		if format == "" {
			format = strings.TrimPrefix(filepath.Ext(inputPath), ".")
		}

		if stripStyle, _ := cmd.Flags().GetBool(flagStripStyle); stripStyle {
			source, err = stripStyleTags(source, format)
			if err != nil {
				return err
			}
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := cfg.NewStore()
		if err != nil {
			return err
		}
		defer fs.CloseOrLog(store, "cache store")

		maxWorkers, _ := cmd.Flags().GetInt(flagMaxWorkers)
		if maxWorkers == 0 {
			maxWorkers = cfg.WorkerConcurrency
		}
		rps, _ := cmd.Flags().GetFloat64(flagRPS)

		core := &translate.Core{
			Store:             store,
			Broker:            broker.New(),
			Workers:           maxWorkers,
			RequestsPerSecond: rps,
		}

		params := broker.Parameters{MaxOutputTokens: cfg.MaxOutputTokens}
		if cmd.Flags().Changed(flagTemperature) {
			v, _ := cmd.Flags().GetFloat64(flagTemperature)
			params.Temperature = &v
		}
		if cmd.Flags().Changed(flagThinkingBudget) {
			v, _ := cmd.Flags().GetInt(flagThinkingBudget)
			params.ThinkingBudget = &v
		}
		params.ReasoningEffort, _ = cmd.Flags().GetString(flagReasoningEffort)
		params.Formality, _ = cmd.Flags().GetString(flagFormality)

		provider, _ := cmd.Flags().GetString(flagProvider)
		secondaryProvider, _ := cmd.Flags().GetString(flagSecondaryProvider)
		workflow, _ := cmd.Flags().GetString(flagWorkflow)
		sourceLang, _ := cmd.Flags().GetString(flagSourceLanguage)
		targetLang, _ := cmd.Flags().GetString(flagTargetLanguage)
		apiKey, _ := cmd.Flags().GetString(flagApiKey)
		secondaryAPIKey, _ := cmd.Flags().GetString(flagSecondaryAPIKey)
		model, _ := cmd.Flags().GetString(flagModel)
		secondaryModel, _ := cmd.Flags().GetString(flagSecondaryModel)
		prompt, _ := cmd.Flags().GetString(flagPrompt)
		force, _ := cmd.Flags().GetBool(flagForce)
		singleBatch, _ := cmd.Flags().GetBool(flagSingleBatch)
		contextSize, _ := cmd.Flags().GetInt(flagContextSize)
		if !cmd.Flags().Changed(flagContextSize) {
			contextSize = cfg.ContextSize
		}
		maxBatchEntries, _ := cmd.Flags().GetInt(flagMaxBatchEntries)
		if maxBatchEntries == 0 {
			maxBatchEntries = cfg.BatchMaxEntries
		}
		tokenBudget, _ := cmd.Flags().GetInt(flagTokenBudget)
		requestTimeout, _ := cmd.Flags().GetDuration(flagRequestTimeout)

		req := translate.Request{
			SourceBytes:       source,
			SourceFormat:      format,
			SourceLang:        sourceLang,
			TargetLang:        targetLang,
			Provider:          broker.ProviderID(strings.ToLower(provider)),
			Model:             model,
			SecondaryProvider: broker.ProviderID(strings.ToLower(secondaryProvider)),
			SecondaryModel:    secondaryModel,
			Workflow:          plan.Workflow(workflow),
			Parameters:        params,
			Prompt:            prompt,
			APIKeys:           apiKey,
			SecondaryAPIKeys:  secondaryAPIKey,
			Force:             force,
			PerBatchDeadline:  requestTimeout,
			TokenBudget:       tokenBudget,
			ContextSize:       contextSize,
			MaxBatchEntries:   maxBatchEntries,
			SingleBatch:       singleBatch,
		}

		log.Debug("translate run",
			"input", inputPath, "output", outputPath,
			"provider", provider, "model", model, "workflow", workflow,
			"api_key", broker.MaskKeys(apiKey, ","))

		res, err := core.Translate(ctx, req)
		if err != nil {
			return err
		}

		if err := fs.WriteFileAtomic(outputPath, res.Bytes, 0o644); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		log.Info("translated subtitles written",
			"path", outputPath,
			"entries", res.Metadata.EntryCount,
			"cached", res.Metadata.Cached,
			"duration_ms", res.Metadata.DurationMs)
		return nil
	},
}

func init() {
	_ = translateCmd.Flags().StringP(flagOutput, flagOutputShorthand, "", "Output file path (required; must not already exist)")
	_ = translateCmd.Flags().String(flagFormat, "", "Subtitle format: srt, vtt, ass or ssa (inferred from the input extension if omitted)")
	_ = translateCmd.Flags().String(flagSourceLanguage, "", "Source language (optional except for DeepL)")
	_ = translateCmd.Flags().String(flagTargetLanguage, "", "Target language (e.g. es, es-MX, fr)")
	_ = translateCmd.Flags().String(flagProvider, "", "Provider: gemini, openai, anthropic, deepl, googletranslate, openrouter, xai, deepseek, mistral, cfworkers")
	_ = translateCmd.Flags().String(flagSecondaryProvider, "", "Fallback provider used when the primary is exhausted")
	_ = translateCmd.Flags().String(flagApiKey, "", "API key. A comma-separated list of keys can be provided to distribute requests across multiple keys")
	_ = translateCmd.Flags().String(flagSecondaryAPIKey, "", "API key list for the fallback provider")
	_ = translateCmd.Flags().String(flagModel, "", "Model to use (e.g. gpt-5, gemini-flash-latest)")
	_ = translateCmd.Flags().String(flagSecondaryModel, "", "Model for the fallback provider")
	_ = translateCmd.Flags().String(flagWorkflow, "", "Translation workflow: rebuild-timestamps, structured or ai-timestamps")
	_ = translateCmd.Flags().String(flagPrompt, "", "Extra instructions folded into the system prompt")
	_ = translateCmd.Flags().Bool(flagForce, false, "Recompute even when a cached translation exists")
	_ = translateCmd.Flags().Bool(flagStripStyle, false, "Strip HTML-ish styling tags (<i>, <font ...>) from cues before translating")
	_ = translateCmd.Flags().Bool(flagSingleBatch, false, "Send the whole document as one batch (fails if it exceeds the token budget)")
	_ = translateCmd.Flags().Int(flagMaxWorkers, 0, "Number of concurrent translation workers (batches in-flight)")
	_ = translateCmd.Flags().Float64(flagRPS, 0, "Max requests per second (0 disables rate limiting)")
	_ = translateCmd.Flags().Int(flagContextSize, 0, "Untranslated neighbor entries sent around each batch for context")
	_ = translateCmd.Flags().Int(flagMaxBatchEntries, 0, "Max subtitle entries per batch")
	_ = translateCmd.Flags().Int(flagTokenBudget, 0, "Estimated-token budget per batch")
	_ = translateCmd.Flags().Duration(flagRequestTimeout, 0, "Per-batch request deadline (e.g. 30s, 10m; 0 uses the default)")
	_ = translateCmd.Flags().Float64(flagTemperature, 0, "Sampling temperature (provider-dependent)")
	_ = translateCmd.Flags().Int(flagThinkingBudget, 0, "Thinking token budget (gemini, anthropic)")
	_ = translateCmd.Flags().String(flagReasoningEffort, "", "Reasoning effort: minimal, low, medium or high (openai)")
	_ = translateCmd.Flags().String(flagFormality, "", "Formality: default, more, less, prefer_more or prefer_less (deepl)")

	_ = translateCmd.MarkFlagRequired(flagTargetLanguage)
	// NOTE: api-key, provider and model can be provided via env vars, so we validate at runtime.
}

// stripStyleTags re-emits the document with HTML-ish styling removed so the
// stripped text is what gets fingerprinted and translated.
func stripStyleTags(source []byte, format string) ([]byte, error) {
	f, err := subtitle.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	doc, err := subtitle.Parse(source, f)
	if err != nil {
		return nil, err
	}
	for _, e := range doc.Entries {
		e.Text = subtitle.StripHTML(e.Text)
	}
	return subtitle.Serialize(doc), nil
}
