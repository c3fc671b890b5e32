package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/tts-multiplex/internal/multiplex"
	"github.com/eleven-am/tts-multiplex/internal/shared"
	"github.com/eleven-am/tts-multiplex/internal/synthesis"
	"github.com/eleven-am/tts-multiplex/internal/transport"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type options struct {
	contexts    []string
	baseURL     string
	apiKey      string
	voiceID     string
	modelID     string
	format      string
	language    string
	outDir      string
	maxContexts int
	timeout     time.Duration
	dryRun      bool
	debug       bool
}

type job struct {
	name string
	text string
}

type outcome struct {
	name  string
	bytes int
	path  string
	err   error
}

func newRootCmd() *cobra.Command {
	_ = godotenv.Load()

	opts := &options{}
	cmd := &cobra.Command{
		Use:   "say",
		Short: "Synthesize several texts concurrently over one connection",
		Long: `Synthesize several named texts concurrently over one multi-context
TTS connection and write each result to its own file.

Example:
  say --context intro="Welcome aboard" --context outro="See you soon" -o ./audio`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			var dialer multiplex.Dialer
			if opts.dryRun {
				dialer = &transport.PipeDialer{Peer: transport.Loopback}
			} else {
				dialer = transport.NewWSDialer(10*time.Second, newLogger(cmd.ErrOrStderr(), opts.debug))
			}
			return run(ctx, opts, dialer, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&opts.contexts, "context", "c", nil, "named text as name=text (repeatable)")
	f.StringVar(&opts.baseURL, "base-url", envOr("TTS_BASE_URL", "wss://api.elevenlabs.io"), "websocket base URL")
	f.StringVar(&opts.apiKey, "api-key", os.Getenv("TTS_API_KEY"), "API key sent in the api-key header")
	f.StringVar(&opts.voiceID, "voice", os.Getenv("TTS_VOICE_ID"), "voice id")
	f.StringVar(&opts.modelID, "model", envOr("TTS_MODEL_ID", "eleven_flash_v2_5"), "model id")
	f.StringVar(&opts.format, "format", envOr("TTS_FORMAT", "pcm_16000"), "output format")
	f.StringVar(&opts.language, "language", os.Getenv("TTS_LANGUAGE_CODE"), "language code")
	f.StringVarP(&opts.outDir, "out", "o", ".", "output directory")
	f.IntVar(&opts.maxContexts, "max-contexts", multiplex.DefaultMaxContexts, "maximum concurrent contexts")
	f.DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-context timeout")
	f.BoolVar(&opts.dryRun, "dry-run", false, "answer locally instead of connecting")
	f.BoolVar(&opts.debug, "debug", os.Getenv("TTS_DEBUG") != "", "log every message on the wire")
	_ = cmd.MarkFlagRequired("context")

	return cmd
}

func run(ctx context.Context, opts *options, dialer multiplex.Dialer, stdout, stderr io.Writer) error {
	jobs, err := parseJobs(opts.contexts)
	if err != nil {
		return err
	}
	format, err := shared.ParseAudioFormat(opts.format)
	if err != nil {
		return err
	}
	if !opts.dryRun && (opts.apiKey == "" || opts.voiceID == "") {
		return errors.New("--api-key and --voice are required (or set TTS_API_KEY and TTS_VOICE_ID)")
	}
	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	logger := newLogger(stderr, opts.debug)
	voiceID := opts.voiceID
	if voiceID == "" {
		voiceID = "dry-run"
	}

	conn := multiplex.New(multiplex.Config{
		BaseURL:     opts.baseURL,
		APIKey:      opts.apiKey,
		VoiceID:     voiceID,
		MaxContexts: opts.maxContexts,
	}, dialer,
		multiplex.WithLogger(logger),
		multiplex.WithOnGlobalError(func(err error) {
			fmt.Fprintf(stderr, "connection error: %v\n", err)
		}),
	)

	params := map[string]string{"output_format": format.String()}
	if opts.modelID != "" {
		params["model_id"] = opts.modelID
	}
	if opts.language != "" {
		params["language_code"] = opts.language
	}

	client := synthesis.New(conn, synthesis.Config{
		VoiceID: voiceID,
		Params:  params,
		Format:  format,
		Timeout: opts.timeout,
	}, synthesis.WithLogger(logger))

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	results := make([]outcome, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		go func(i int, j job) {
			defer wg.Done()
			results[i] = speak(ctx, client, j, filepath.Join(opts.outDir, j.name+"."+format.Extension()))
		}(i, j)
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			fmt.Fprintf(stdout, "%s: error: %v\n", r.name, r.err)
			continue
		}
		fmt.Fprintf(stdout, "%s: %d bytes -> %s\n", r.name, r.bytes, r.path)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d contexts failed", failed, len(jobs))
	}
	return nil
}

func speak(ctx context.Context, client *synthesis.Client, j job, path string) outcome {
	res, err := client.Collect(ctx, synthesis.Request{ContextID: j.name, Text: j.text, Flush: true})
	if err != nil {
		return outcome{name: j.name, err: err}
	}
	if err := os.WriteFile(path, res.Audio, 0o644); err != nil {
		return outcome{name: j.name, err: fmt.Errorf("write %s: %w", path, err)}
	}
	return outcome{name: j.name, bytes: len(res.Audio), path: path}
}

func parseJobs(args []string) ([]job, error) {
	if len(args) == 0 {
		return nil, errors.New("at least one --context is required")
	}

	seen := make(map[string]bool, len(args))
	jobs := make([]job, 0, len(args))
	for _, arg := range args {
		name, text, ok := strings.Cut(arg, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" || text == "" {
			return nil, fmt.Errorf("invalid context %q, want name=text", arg)
		}
		if strings.ContainsAny(name, `/\`) {
			return nil, fmt.Errorf("invalid context name %q", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate context name %q", name)
		}
		seen[name] = true
		jobs = append(jobs, job{name: name, text: text})
	}

	sort.SliceStable(jobs, func(a, b int) bool { return jobs[a].name < jobs[b].name })
	return jobs, nil
}

func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
