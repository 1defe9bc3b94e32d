package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rendis/bizflow/internal/diagram"
)

func runTemplates(args []string) {
	fs := flag.NewFlagSet("templates", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	show := fs.String("show", "", "print the definition of one template")
	format := fs.String("diagram", "", "with -show, render a diagram instead: mermaid, ascii, svg or dot")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx := context.Background()
	a, err := newApp(ctx, common)
	if err != nil {
		fatalf("%v", err)
	}
	defer a.close()

	if *show == "" {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTEPS\tPARALLEL\tSOURCE")
		for _, t := range a.registry.List() {
			source := "defined"
			if t.Builtin {
				source = "builtin"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n", t.ID, t.Name, t.Steps, t.Parallel, source)
		}
		_ = w.Flush()
		return
	}

	def, err := a.registry.Definition(*show)
	if err != nil {
		a.close()
		fatalf("%v", err)
	}

	switch *format {
	case "":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(def.Schema())
	case "mermaid":
		fmt.Print(diagram.RenderMermaid(diagram.Build(def, nil)))
	case "ascii":
		fmt.Print(diagram.RenderASCII(diagram.Build(def, nil)))
	case "svg", "dot":
		out, err := diagram.RenderImage(ctx, diagram.Build(def, nil), diagram.Format(*format))
		if err != nil {
			a.close()
			fatalf("render: %v", err)
		}
		_, _ = os.Stdout.Write(out)
	default:
		a.close()
		fatalf("unknown diagram format %q", *format)
	}
}
