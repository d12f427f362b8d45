package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gookit/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/weft-dev/weft/interp"
	"github.com/weft-dev/weft/vm"
)

var (
	entryFlag string
	argFlags  []string
	debugFlag bool
)

var runCmd = &cobra.Command{
	Use:   "run FILE",
	Short: "Compile a program and run it natively",
	Args:  cobra.MinimumNArgs(1),
	Run:   runCommand,
}

func init() {
	runCmd.Flags().StringVar(&entryFlag, "entry", "", "Function to call after module code runs (default: module result)")
	runCmd.Flags().StringArrayVar(&argFlags, "arg", nil, "Positional argument for the entry function; repeatable. Numbers stay scalar, comma lists become tensors")
	runCmd.Flags().BoolVar(&debugFlag, "debug", false, "Print the compiled program before running")
}

func runCommand(cmd *cobra.Command, args []string) {
	prog, err := vm.CompilePath(args[0])
	if err != nil {
		log.Fatal().Err(err).Msg("Couldn't compile program")
	}
	if debugFlag {
		prog.DebugPrint()
	}

	m := interp.NewMachine(prog)
	result, err := m.Run()
	if err != nil {
		reportGuestError(err, "Module code failed")
	}

	if entryFlag != "" {
		vals := make([]vm.Value, 0, len(argFlags))
		for _, a := range argFlags {
			v, err := parseValue(a)
			if err != nil {
				log.Fatal().Err(err).Str("arg", a).Msg("Couldn't parse argument")
			}
			vals = append(vals, v)
		}
		result, err = m.Call(entryFlag, vals...)
		if err != nil {
			reportGuestError(err, "Call failed")
		}
	}

	fmt.Println(vm.FormatValue(result))
}

// reportGuestError distinguishes an uncaught guest exception from a host
// failure and exits either way.
func reportGuestError(err error, msg string) {
	if exc, ok := interp.AsExc(err); ok {
		fmt.Fprintln(os.Stderr, color.Red.Sprintf("uncaught %s: %s", exc.Kind, exc.Msg))
		os.Exit(1)
	}
	log.Fatal().Err(err).Msg(msg)
}

// parseValue turns a command-line literal into a runtime value. Bracketed
// or comma-separated numbers become tensors; bare numbers stay scalar.
func parseValue(s string) (vm.Value, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
		return parseTensor(strings.Trim(trimmed, "[]"))
	}
	if strings.Contains(trimmed, ",") {
		return parseTensor(trimmed)
	}
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return vm.IntValue(n), nil
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return vm.FloatValue(f), nil
	}
	if b, err := strconv.ParseBool(trimmed); err == nil {
		return vm.BoolValue(b), nil
	}
	return vm.StrValue(trimmed), nil
}

func parseTensor(s string) (vm.Value, error) {
	parts := strings.Split(s, ",")
	elems := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("tensor element %q: %w", p, err)
		}
		elems = append(elems, f)
	}
	return vm.NewTensor(elems...), nil
}
