package main

import (
	"fmt"
	"os"
	"strings"

	isatty "github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/rkusner/machctl/controller"
	"github.com/rkusner/machctl/kernel"
	"github.com/rkusner/machctl/logflags"
	"github.com/rkusner/machctl/machconfig"
	"github.com/rkusner/machctl/machine"
	"github.com/rkusner/machctl/vmops"
)

const version = "0.1.0"

var (
	logEnabled bool
	logOutput  string
	configPath string
	maskBits   int = kernel.MaskBreakpoint
)

// exceptionMaskValue is a pflag.Value so --masks can be given as a
// comma-separated list of mask names ("breakpoint,bad-access") instead
// of a raw integer.
type exceptionMaskValue struct{}

func (exceptionMaskValue) String() string {
	var names []string
	if maskBits&kernel.MaskBadAccess != 0 {
		names = append(names, "bad-access")
	}
	if maskBits&kernel.MaskBadInstruction != 0 {
		names = append(names, "bad-instruction")
	}
	if maskBits&kernel.MaskArithmetic != 0 {
		names = append(names, "arithmetic")
	}
	if maskBits&kernel.MaskBreakpoint != 0 {
		names = append(names, "breakpoint")
	}
	return strings.Join(names, ",")
}

func (exceptionMaskValue) Set(s string) error {
	bits := 0
	for _, name := range strings.Split(s, ",") {
		switch strings.TrimSpace(name) {
		case "bad-access":
			bits |= kernel.MaskBadAccess
		case "bad-instruction":
			bits |= kernel.MaskBadInstruction
		case "arithmetic":
			bits |= kernel.MaskArithmetic
		case "breakpoint":
			bits |= kernel.MaskBreakpoint
		case "":
		default:
			return fmt.Errorf("unknown exception mask %q", name)
		}
	}
	maskBits = bits
	return nil
}

func (exceptionMaskValue) Type() string { return "masks" }

func main() {
	rootCommand := &cobra.Command{
		Use:   "machctl",
		Short: "machctl attaches a self-debugging controller to its own process.",
	}
	rootCommand.PersistentFlags().BoolVar(&logEnabled, "log", false, "Enable controller logging.")
	rootCommand.PersistentFlags().StringVar(&logOutput, "log-output", "", "Comma-separated list of logging concerns (controller,excserver,wire,breakpoint).")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file, overriding the well-known per-user location.")
	rootCommand.PersistentFlags().VarP(exceptionMaskValue{}, "masks", "m", "Comma-separated exception masks to describe when attaching (bad-access,bad-instruction,arithmetic,breakpoint).")

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Print version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("machctl version: " + version)
		},
	}
	rootCommand.AddCommand(versionCommand)

	selfAttachCommand := &cobra.Command{
		Use:   "selfattach",
		Short: "Attach the controller to this process and print its thread ids.",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runSelfAttach())
		},
	}
	rootCommand.AddCommand(selfAttachCommand)

	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *machconfig.Config {
	if configPath != "" {
		cfg, err := machconfig.LoadFrom(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "machctl: %v, falling back to defaults\n", err)
			return machconfig.Load()
		}
		return cfg
	}
	return machconfig.Load()
}

func setupLogging(cfg *machconfig.Config) {
	spec := logOutput
	if spec == "" {
		spec = cfg.LogSpec
	}
	out := os.Stderr
	colorize := isatty.IsTerminal(out.Fd())
	logflags.Setup(logEnabled, spec, out, colorize)
}

func runSelfAttach() int {
	cfg := loadConfig()
	setupLogging(cfg)

	task := kernel.SelfTask()
	ctl, err := controller.New(task, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "machctl: %v\n", err)
		return 1
	}
	defer ctl.Close()

	threads, err := ctl.GetThreads()
	if err != nil {
		fmt.Fprintf(os.Stderr, "machctl: %v\n", err)
		return 1
	}

	fmt.Printf("attached; watching masks [%s]; %d thread(s) visible to the controller\n", exceptionMaskValue{}.String(), len(threads))
	for _, th := range threads {
		ip, err := th.IP()
		if err != nil {
			fmt.Printf("  thread %v: ip unavailable (%v)\n", th.ID(), err)
			continue
		}
		fmt.Printf("  thread %v: ip=%s\n", th.ID(), ip)
	}

	allocator := vmops.New(task)
	scratch, err := allocator.Allocate(4096, machine.Read|machine.Write)
	if err != nil {
		fmt.Fprintf(os.Stderr, "machctl: scratch allocation failed: %v\n", err)
		return 0
	}
	defer allocator.Deallocate(scratch)
	for _, rec := range allocator.Allocations() {
		fmt.Printf("  scratch region %s: %d bytes, perm=%s (posix bits=%#o)\n", rec.Base, rec.Size, rec.Perm, rec.PosixProtectionBits())
	}
	return 0
}
