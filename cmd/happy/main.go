package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"happy-transformer-go/backend"
	"happy-transformer-go/happy"
)

// settingsFlag collects repeated -set key=value pairs. Values are parsed
// as YAML scalars so numbers, booleans and lists keep their types.
type settingsFlag happy.Settings

func (s settingsFlag) String() string {
	return fmt.Sprint(happy.Settings(s))
}

// overrides returns nil when no -set flag was given, so the preset is
// used without missing-key warnings.
func (s settingsFlag) overrides() happy.Settings {
	if len(s) == 0 {
		return nil
	}
	return happy.Settings(s)
}

func (s settingsFlag) Set(v string) error {
	key, raw, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	var value any
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
		return fmt.Errorf("bad value for %s: %w", key, err)
	}
	s[key] = value
	return nil
}

// common holds the flags every subcommand accepts.
type common struct {
	configPath  string
	server      string
	backendKind string
	model       string
	tokenizer   string
	device      string
	task        string
	progress    bool
	verbose     bool
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "YAML config file")
	fs.StringVar(&c.server, "server", "", "transformers server URL (default $HAPPY_SERVER_URL)")
	fs.StringVar(&c.backendKind, "backend", "", "backend: http or onnx")
	fs.StringVar(&c.model, "model", "", "model name, directory or .onnx file")
	fs.StringVar(&c.tokenizer, "tokenizer", "", "tokenizer: server, vocab:<dir>, hf:<file>, tiktoken:<encoding>")
	fs.StringVar(&c.device, "device", "", "device: auto, cpu or cuda")
	fs.StringVar(&c.task, "task", "gen", "model task: gen (text generation) or wp (word prediction)")
	fs.BoolVar(&c.progress, "progress", true, "show progress bars")
	fs.BoolVar(&c.verbose, "v", false, "debug logging")
}

func (c *common) config() (*happy.Config, error) {
	level := slog.LevelInfo
	if c.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := happy.NewConfig("")
	if c.configPath != "" {
		var err error
		if cfg, err = happy.LoadConfig(c.configPath); err != nil {
			return nil, err
		}
	}

	cfg.Logger = logger
	cfg.ShowProgress = c.progress
	if v := firstNonEmpty(c.server, os.Getenv("HAPPY_SERVER_URL")); v != "" {
		cfg.ServerURL = v
	}
	if c.backendKind != "" {
		cfg.Backend = c.backendKind
	}
	if c.model != "" {
		cfg.Model = c.model
	}
	if c.tokenizer != "" {
		cfg.Tokenizer = c.tokenizer
	}
	if c.device != "" {
		cfg.Device = c.device
	}
	if cfg.HubToken == "" {
		cfg.HubToken = os.Getenv("HF_TOKEN")
	}
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// model is what save, push, train and eval need from either wrapper.
type model interface {
	Save(ctx context.Context, path string) error
	PushToHub(ctx context.Context, repoName string, private bool) error
	Close() error
}

func openModel(ctx context.Context, c *common) (model, *happy.HappyGeneration, *happy.HappyWordPrediction, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, nil, nil, err
	}
	switch c.task {
	case "gen":
		gen, err := backend.OpenGeneration(ctx, cfg)
		return gen, gen, nil, err
	case "wp":
		wp, err := backend.OpenWordPrediction(ctx, cfg)
		return wp, nil, wp, err
	default:
		return nil, nil, nil, fmt.Errorf("unknown task %q, use gen or wp", c.task)
	}
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch os.Args[1] {
	case "generate":
		err = runGenerate(ctx, os.Args[2:])
	case "predict":
		err = runPredict(ctx, os.Args[2:])
	case "train":
		err = runTrain(ctx, os.Args[2:])
	case "eval":
		err = runEval(ctx, os.Args[2:])
	case "test":
		err = runTest(ctx, os.Args[2:])
	case "save":
		err = runSave(ctx, os.Args[2:])
	case "push":
		err = runPush(ctx, os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, happy.ErrDictArgs) || errors.Is(err, happy.ErrInvalidArgs) || errors.Is(err, happy.ErrIncompatibleArgs) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func runGenerate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	var c common
	c.register(fs)
	method := fs.String("method", "", "generation preset (greedy, beam-search, generic-sampling, top-k-sampling, top-p-sampling)")
	minLength := fs.Int("min-length", happy.DefaultMinLength, "minimum generated tokens")
	maxLength := fs.Int("max-length", happy.DefaultMaxLength, "maximum generated tokens")
	settings := settingsFlag{}
	fs.Var(settings, "set", "override a generation setting, key=value (repeatable)")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("%w: text required", happy.ErrInvalidArgs)
	}
	c.task = "gen"
	_, gen, _, err := openModel(ctx, &c)
	if err != nil {
		return err
	}
	defer gen.Close()

	res, err := gen.GenerateText(ctx, strings.Join(fs.Args(), " "), *method, settings.overrides(), *minLength, *maxLength)
	if err != nil {
		return err
	}
	fmt.Println(res.Text)
	return nil
}

func runPredict(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("predict", flag.ExitOnError)
	var c common
	c.register(fs)
	topK := fs.Int("top-k", 5, "number of candidates")
	targets := fs.String("targets", "", "comma-separated candidate words to score")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("%w: text with a mask token required", happy.ErrInvalidArgs)
	}
	c.task = "wp"
	_, _, wp, err := openModel(ctx, &c)
	if err != nil {
		return err
	}
	defer wp.Close()

	var words []string
	if *targets != "" {
		words = strings.Split(*targets, ",")
	}
	results, err := wp.PredictMask(ctx, strings.Join(fs.Args(), " "), words, *topK)
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Printf("%-20s %.4f\n", r.Token, r.Score)
	}
	return nil
}

// loadArgs decodes a YAML args file over defaults.
func loadArgs[T any](path string, defaults func() T) (T, error) {
	a := defaults()
	if path == "" {
		return a, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // caller-provided args file
	if err != nil {
		return a, fmt.Errorf("failed to read args file: %w", err)
	}
	if err := yaml.Unmarshal(data, &a); err != nil {
		return a, fmt.Errorf("failed to parse args file: %w", err)
	}
	return a, nil
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	var c common
	c.register(fs)
	data := fs.String("data", "", "training data (.txt or .csv)")
	argsFile := fs.String("args", "", "YAML file with training arguments")
	saveCache := fs.String("save-cache", "", "write preprocessed data to this directory")
	loadCache := fs.String("load-cache", "", "read preprocessed data from this directory")
	_ = fs.Parse(args)

	if *data == "" && *loadCache == "" {
		return fmt.Errorf("%w: -data is required", happy.ErrInvalidArgs)
	}
	m, gen, wp, err := openModel(ctx, &c)
	if err != nil {
		return err
	}
	defer m.Close()

	applyCache := func(p *happy.PreprocessArgs) {
		if *saveCache != "" {
			p.SavePreprocessedData, p.SavePreprocessedDataPath = true, *saveCache
		}
		if *loadCache != "" {
			p.LoadPreprocessedData, p.LoadPreprocessedDataPath = true, *loadCache
		}
	}

	if gen != nil {
		a, err := loadArgs(*argsFile, happy.DefaultGENTrainArgs)
		if err != nil {
			return err
		}
		applyCache(&a.PreprocessArgs)
		return gen.Train(ctx, *data, a)
	}
	a, err := loadArgs(*argsFile, happy.DefaultWPTrainArgs)
	if err != nil {
		return err
	}
	applyCache(&a.PreprocessArgs)
	return wp.Train(ctx, *data, a)
}

func runEval(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	var c common
	c.register(fs)
	data := fs.String("data", "", "evaluation data (.txt or .csv)")
	argsFile := fs.String("args", "", "YAML file with evaluation arguments")
	_ = fs.Parse(args)

	if *data == "" {
		return fmt.Errorf("%w: -data is required", happy.ErrInvalidArgs)
	}
	m, gen, wp, err := openModel(ctx, &c)
	if err != nil {
		return err
	}
	defer m.Close()

	var res happy.EvalResult
	if gen != nil {
		a, err := loadArgs(*argsFile, happy.DefaultGENEvalArgs)
		if err != nil {
			return err
		}
		res, err = gen.Eval(ctx, *data, a)
		if err != nil {
			return err
		}
	} else {
		a, err := loadArgs(*argsFile, happy.DefaultWPEvalArgs)
		if err != nil {
			return err
		}
		res, err = wp.Eval(ctx, *data, a)
		if err != nil {
			return err
		}
	}
	fmt.Printf("loss: %.4f\n", res.Loss)
	return nil
}

func runTest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	var c common
	c.register(fs)
	data := fs.String("data", "", "test cases (.txt or .csv)")
	method := fs.String("method", "", "generation preset")
	minLength := fs.Int("min-length", happy.DefaultMinLength, "minimum generated tokens")
	maxLength := fs.Int("max-length", happy.DefaultMaxLength, "maximum generated tokens")
	topK := fs.Int("top-k", 1, "candidates per case for word prediction")
	_ = fs.Parse(args)

	if *data == "" {
		return fmt.Errorf("%w: -data is required", happy.ErrInvalidArgs)
	}
	m, gen, wp, err := openModel(ctx, &c)
	if err != nil {
		return err
	}
	defer m.Close()

	if gen != nil {
		results, err := gen.Test(ctx, *data, *method, nil, *minLength, *maxLength)
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Println(r.Text)
		}
		return nil
	}

	results, err := wp.Test(ctx, *data, *topK)
	if err != nil {
		return err
	}
	for _, rs := range results {
		tokens := make([]string, len(rs))
		for i, r := range rs {
			tokens[i] = fmt.Sprintf("%s(%.3f)", r.Token, r.Score)
		}
		fmt.Println(strings.Join(tokens, " "))
	}
	return nil
}

func runSave(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("save", flag.ExitOnError)
	var c common
	c.register(fs)
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("%w: exactly one output path required", happy.ErrInvalidArgs)
	}
	m, _, _, err := openModel(ctx, &c)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Save(ctx, fs.Arg(0))
}

type pushArgs struct {
	common
	repo    string
	private bool
}

func parsePush(args []string, errorHandling flag.ErrorHandling) (pushArgs, error) {
	fs := flag.NewFlagSet("push", errorHandling)
	var p pushArgs
	p.register(fs)
	fs.BoolVar(&p.private, "private", true, "create a private repository (use -private=false for a public one)")
	if err := fs.Parse(args); err != nil {
		return p, err
	}

	if fs.NArg() != 1 {
		return p, fmt.Errorf("%w: exactly one repo name required", happy.ErrInvalidArgs)
	}
	p.repo = fs.Arg(0)
	return p, nil
}

func runPush(ctx context.Context, args []string) error {
	p, err := parsePush(args, flag.ExitOnError)
	if err != nil {
		return err
	}
	m, _, _, err := openModel(ctx, &p.common)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.PushToHub(ctx, p.repo, p.private)
}

func printUsage() {
	fmt.Println("Usage: happy <command> [flags] [args]")
	fmt.Println("\nCommands:")
	fmt.Println("  generate   continue a text prompt")
	fmt.Println("  predict    rank candidates for a [MASK] token")
	fmt.Println("  train      fine-tune on a .txt or .csv file")
	fmt.Println("  eval       compute the loss on a .txt or .csv file")
	fmt.Println("  test       run generate or predict over every case in a file")
	fmt.Println("  save       save the model and tokenizer to a directory")
	fmt.Println("  push       upload the model to the hub (token from $HF_TOKEN)")
	fmt.Println("\nCommon flags:")
	fmt.Println("  -config <file>     YAML config file")
	fmt.Println("  -server <url>      transformers server URL")
	fmt.Println("  -backend <kind>    http (default) or onnx")
	fmt.Println("  -task <gen|wp>     text generation or word prediction")
	fmt.Println("\nExamples:")
	fmt.Println("  happy generate -method beam-search \"The capital of France is\"")
	fmt.Println("  happy generate -method top-k-sampling -set top_k=20 -set temperature=0.7 \"Once upon a time\"")
	fmt.Println("  happy predict -top-k 3 \"Paris is the [MASK] of France.\"")
	fmt.Println("  happy train -task gen -data train.csv -save-cache ./cache")
	fmt.Println("  happy push myname/my-model            (private)")
	fmt.Println("  happy push -private=false myname/my-model")
}
