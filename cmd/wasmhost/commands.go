package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v2"
	guestapi "github.com/woxQAQ/polyglot-wasm/api/wasm"
	"github.com/woxQAQ/polyglot-wasm/internal/catalog"
	"github.com/woxQAQ/polyglot-wasm/internal/fixture"
	"github.com/woxQAQ/polyglot-wasm/internal/wasm"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "list a module's exports and check it against the guest contract",
		ArgsUsage: "<file.wasm>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.ShowSubcommandHelp(c)
			}

			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close(c.Context)

			compiled, contractErr := e.host.Inspect(c.Context, c.Args().First())
			if compiled == nil {
				return contractErr
			}

			w := c.App.Writer
			fmt.Fprintln(w, titleStyle.Render(c.Args().First()))
			exports := compiled.Exports()
			for _, name := range compiled.ExportNames() {
				fmt.Fprintln(w, "  "+funcStyle.Render(wasm.Signature(name, exports[name])))
			}

			if imports := compiled.ImportModules(); len(imports) > 0 {
				fmt.Fprintln(w, "  "+mutedStyle.Render("imports: "+strings.Join(imports, ", ")))
			}

			if contractErr != nil {
				fmt.Fprintln(w, errorStyle.Render("✗ "+contractErr.Error()))
				return cli.Exit("", 1)
			}
			fmt.Fprintln(w, resultStyle.Render("✓ satisfies the guest contract"))
			return nil
		},
	}
}

func addCommand() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "call add(a, b) in a guest",
		ArgsUsage: "<file.wasm> <a> <b>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 3 {
				return cli.ShowSubcommandHelp(c)
			}

			a, err := strconv.ParseInt(c.Args().Get(1), 10, 32)
			if err != nil {
				return fmt.Errorf("invalid a: %w", err)
			}
			b, err := strconv.ParseInt(c.Args().Get(2), 10, 32)
			if err != nil {
				return fmt.Errorf("invalid b: %w", err)
			}

			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close(c.Context)

			guest, err := e.host.LoadModule(c.Context, c.Args().First())
			if err != nil {
				return err
			}

			sum, err := guest.Add(c.Context, int32(a), int32(b))
			if err != nil {
				return err
			}

			fmt.Fprintln(c.App.Writer, sum)
			return nil
		},
	}
}

func helloCommand() *cli.Command {
	return &cli.Command{
		Name:      "hello",
		Usage:     "call hello in a guest and print the greeting",
		ArgsUsage: "<file.wasm> [name]",
		Flags: []cli.Flag{
			&cli.UintFlag{
				Name:  "capacity",
				Usage: "result buffer size in `bytes` (0 uses the configured default)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 || c.NArg() > 2 {
				return cli.ShowSubcommandHelp(c)
			}

			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close(c.Context)

			guest, err := e.host.LoadModule(c.Context, c.Args().First())
			if err != nil {
				return err
			}

			out, err := guest.CallWithBuffer(c.Context, guestapi.ExportHello, []byte(c.Args().Get(1)), uint32(c.Uint("capacity")))
			if err != nil {
				return err
			}

			fmt.Fprintln(c.App.Writer, string(out))
			return nil
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "exercise add and hello in every given guest",
		ArgsUsage: "<file.wasm>...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "name",
				Usage: "`name` passed to hello",
				Value: "Gopher",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.ShowSubcommandHelp(c)
			}

			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close(c.Context)

			w := c.App.Writer
			var errs error
			for _, path := range c.Args().Slice() {
				fmt.Fprintln(w, titleStyle.Render(path))

				if err := runOne(c, e, path); err != nil {
					e.logger.Error("Guest failed", zap.String("path", path), zap.Error(err))
					fmt.Fprintln(w, "  "+errorStyle.Render(err.Error()))
					errs = multierr.Append(errs, err)
				}
			}
			return errs
		},
	}
}

func runOne(c *cli.Context, e *env, path string) error {
	w := c.App.Writer

	guest, err := e.host.LoadModule(c.Context, path)
	if err != nil {
		return err
	}
	defer guest.Close(c.Context)

	sum, err := guest.Add(c.Context, 5, 2)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "  "+label("add(5, 2)")+resultStyle.Render(strconv.Itoa(int(sum))))

	for _, name := range []string{"", c.String("name")} {
		greeting, err := guest.Hello(c.Context, name)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "  "+label(fmt.Sprintf("hello(%q)", name))+resultStyle.Render(greeting))
	}
	return nil
}

func compareCommand() *cli.Command {
	return &cli.Command{
		Name:  "compare",
		Usage: "greet through every guest in the catalog and check they agree",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "name",
				Usage: "`name` passed to hello (empty asks for the default greeting)",
			},
			&cli.StringSliceFlag{
				Name:  "modules",
				Usage: "guest `directories` to scan (overrides module_paths)",
			},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close(c.Context)

			paths := e.cfg.ModulePaths
			if c.IsSet("modules") {
				paths = c.StringSlice("modules")
			}

			mgr := catalog.NewManager(paths, e.host, e.logger)
			if err := mgr.LoadAll(c.Context); err != nil {
				return err
			}

			results, err := mgr.Compare(c.Context, c.String("name"))
			if results == nil {
				return err
			}

			mismatched := make(map[string]bool)
			for _, merr := range multierr.Errors(err) {
				var m *catalog.MismatchError
				if errors.As(merr, &m) {
					mismatched[m.GuestName] = true
				}
			}

			w := c.App.Writer
			fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("compare %q", c.String("name"))))
			for _, r := range results {
				mark := resultStyle.Render("✓")
				greeting := resultStyle.Render(r.Greeting)
				if mismatched[r.Guest] {
					mark = errorStyle.Render("✗")
					greeting = errorStyle.Render(r.Greeting)
				}
				fmt.Fprintln(w, lipgloss.JoinHorizontal(lipgloss.Top,
					"  ", mark, " ",
					label(r.Guest),
					greeting,
					mutedStyle.Render(" "+r.Duration.String()),
				))
			}

			return err
		},
	}
}

func genCommand() *cli.Command {
	return &cli.Command{
		Name:  "gen",
		Usage: "write a fixture guest module",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "language",
				Aliases:  []string{"l"},
				Usage:    "language `tag` (C, Rust and Go use their presets)",
				Required: true,
			},
			&cli.PathFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "write the module to `file`",
				Value:   "guest.wasm",
			},
			&cli.StringFlag{
				Name:  "framing",
				Usage: "result terminator: nul or newline",
			},
			&cli.BoolFlag{
				Name:  "strict-free",
				Usage: "trap when free is given the wrong length",
			},
			&cli.BoolFlag{
				Name:  "log",
				Usage: "import host.log_message and log each greeting",
			},
		},
		Action: func(c *cli.Context) error {
			lang := c.String("language")
			opts, ok := fixture.Presets()[lang]
			if !ok {
				opts = fixture.Options{Language: lang}
			}

			switch c.String("framing") {
			case "":
			case "nul":
				opts.Framing = fixture.FramingNUL
			case "newline":
				opts.Framing = fixture.FramingNewline
			default:
				return fmt.Errorf("unknown framing '%s' (must be nul or newline)", c.String("framing"))
			}
			if c.IsSet("strict-free") {
				opts.StrictFree = c.Bool("strict-free")
			}
			opts.ImportLog = c.Bool("log")

			data, err := fixture.Build(opts)
			if err != nil {
				return err
			}

			out := c.Path("output")
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("failed to write '%s': %w", out, err)
			}

			fmt.Fprintf(c.App.Writer, "wrote %s (%d bytes)\n", out, len(data))
			return nil
		},
	}
}

func schemaCommand() *cli.Command {
	return &cli.Command{
		Name:  "schema",
		Usage: "print the JSON schema of guest manifest.yaml",
		Action: func(c *cli.Context) error {
			data, err := catalog.Schema()
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, string(data))
			return nil
		},
	}
}

// label pads before styling so columns line up.
func label(s string) string {
	return labelStyle.Render(fmt.Sprintf("%-20s", s))
}
