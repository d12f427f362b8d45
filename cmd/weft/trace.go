package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gookit/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/weft-dev/weft/cas"
	"github.com/weft-dev/weft/tracer"
	"github.com/weft-dev/weft/vm"
)

var (
	traceEntryFlag string
	inputFlags     []string
	disableFlags   []string
	cacheFlag      int
)

var traceCmd = &cobra.Command{
	Use:   "trace FILE",
	Short: "Trace an entry point and print the recorded graph",
	Long:  "FILE is either a .toml trace spec, or a program file traced with --entry and --input",
	Args:  cobra.MinimumNArgs(1),
	Run:   traceCommand,
}

func init() {
	traceCmd.Flags().StringVar(&traceEntryFlag, "entry", "", "Function to trace (required unless FILE is a spec)")
	traceCmd.Flags().StringArrayVar(&inputFlags, "input", nil, "Entry input as name=value; repeatable. Comma lists become tensors")
	traceCmd.Flags().StringArrayVar(&disableFlags, "disable", nil, "Function to run natively instead of tracing into; repeatable")
	traceCmd.Flags().IntVar(&cacheFlag, "cache", 0, "Cache up to N traced graphs for replay")
}

func traceCommand(cmd *cobra.Command, args []string) {
	tr, entry, inputs := buildTrace(args[0])

	fmt.Fprintln(os.Stderr, color.Cyan.Sprintf("Tracing %s...", entry))
	out, err := tr.Trace(entry, inputs)
	if err != nil {
		var uns *tracer.Unsupported
		if errors.As(err, &uns) {
			log.Fatal().Err(err).Msg("Program can't be traced")
		}
		reportGuestError(err, "Trace failed")
	}
	printOutcome(out)
}

// buildTrace resolves the positional argument into a configured tracer.
// Spec files carry their own inputs and settings; a bare program file
// takes them from flags.
func buildTrace(path string) (*tracer.Tracer, string, map[string]vm.Value) {
	if strings.HasSuffix(path, ".toml") {
		spec, err := tracer.LoadSpecFromFile(path)
		if err != nil {
			log.Fatal().Err(err).Msg("Couldn't load trace spec")
		}
		if spec.Trace.LogLevel != "" {
			level, err := zerolog.ParseLevel(spec.Trace.LogLevel)
			if err != nil {
				log.Fatal().Err(err).Msg("Bad log_level in trace spec")
			}
			zerolog.SetGlobalLevel(level)
		}
		tr, err := spec.BuildTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Couldn't build tracer")
		}
		inputs, err := spec.Values()
		if err != nil {
			log.Fatal().Err(err).Msg("Couldn't convert spec inputs")
		}
		return tr, spec.Trace.Entry, inputs
	}

	if traceEntryFlag == "" {
		log.Fatal().Msg("--entry is required when tracing a program file")
	}
	prog, err := vm.CompilePath(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Couldn't compile program")
	}
	tr, err := tracer.New(prog)
	if err != nil {
		log.Fatal().Err(err).Msg("Couldn't build tracer")
	}
	for _, name := range disableFlags {
		tr.Disable(name)
	}
	if cacheFlag > 0 {
		tr.UseCache(cas.NewLRUCache(cas.NewMemoryCAS(), cacheFlag))
	}
	inputs := make(map[string]vm.Value, len(inputFlags))
	for _, pair := range inputFlags {
		name, val, ok := strings.Cut(pair, "=")
		if !ok {
			log.Fatal().Str("input", pair).Msg("Inputs take the form name=value")
		}
		v, err := parseValue(val)
		if err != nil {
			log.Fatal().Err(err).Str("input", pair).Msg("Couldn't parse input")
		}
		inputs[name] = v
	}
	return tr, traceEntryFlag, inputs
}

func printOutcome(out *tracer.Outcome) {
	if out.CacheHit {
		fmt.Fprintln(os.Stderr, color.Cyan.Sprint("Cache hit; replayed the recorded graph"))
	}
	switch out.Decision {
	case tracer.FullyTraced:
		fmt.Fprintln(os.Stderr, color.Green.Sprint("✓ Fully traced"))
	default:
		fmt.Fprintln(os.Stderr, color.Yellow.Sprintf("⚠ Fell back to native execution: %s", out.BreakReason))
	}
	if out.Graph != nil && out.Root >= 0 {
		fmt.Print(tracer.RenderGraph(out))
	}
	if len(out.Effects) > 0 {
		fmt.Println("captured state writes:")
		for _, e := range out.Effects {
			fmt.Printf("  %s: %s -> %s\n", e.Name, vm.FormatValue(e.Prior), vm.FormatValue(e.Next))
		}
	}
	fmt.Printf("result: %s\n", vm.FormatValue(out.Value))
}
