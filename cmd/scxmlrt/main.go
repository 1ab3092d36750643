// Command scxmlrt is a small operator CLI around the scxml facade
// (SPEC_FULL.md §3.9): load a document, either validate it, export a
// visualization, or drive it interactively from stdin lines as external
// events, printing the configuration after every macrostep.
//
// Grounded on the teacher's cmd/demo (same "load, start, drive from a
// loop, print Current()/Visualize() each cycle" shape, here driven by
// stdin instead of a time.Ticker) and on joestump-claude-ops's cobra/
// flag-binding convention for the command tree itself.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/comalice/scxmlrt/internal/equeue"
	"github.com/comalice/scxmlrt/internal/model"
	"github.com/comalice/scxmlrt/scxml"
)

func main() {
	root := &cobra.Command{
		Use:   "scxmlrt",
		Short: "Run, validate, and visualize SCXML documents",
	}
	root.AddCommand(runCmd(), validateCmd(), visualizeCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "run <document.scxml>",
		Short: "Start a session and drive it from stdin lines as external events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDocument(args[0], sessionID)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session-id", "cli-session", "session identifier")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <document.scxml>",
		Short: "Parse a document and report structural errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := scxml.NewEngine()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			doc, err := engine.LoadModel(f)
			if err != nil {
				return fmt.Errorf("invalid document: %w", err)
			}
			fmt.Printf("%s: OK\n", doc.Name())
			return nil
		},
	}
}

func visualizeCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "visualize <document.scxml>",
		Short: "Export a document's structure as DOT or JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := scxml.NewEngine()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			doc, err := engine.LoadModel(f)
			if err != nil {
				return err
			}
			session, err := engine.CreateSession(doc, "visualize")
			if err != nil {
				return err
			}
			if err := session.Start(cmd.Context()); err != nil {
				return err
			}
			defer session.Stop(cmd.Context())

			switch format {
			case "json":
				out, err := session.ExportJSON()
				if err != nil {
					return err
				}
				fmt.Println(string(out))
			default:
				fmt.Print(session.ExportDOT())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "dot", "output format: dot or json")
	return cmd
}

func runDocument(path, sessionID string) error {
	engine, err := scxml.NewEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	doc, err := engine.LoadModel(f)
	f.Close()
	if err != nil {
		return err
	}

	ctx := context.Background()
	session, err := engine.CreateSession(doc, sessionID)
	if err != nil {
		return err
	}
	if err := session.Start(ctx); err != nil {
		return err
	}
	defer session.Stop(ctx)

	fmt.Printf("loaded %q as session %q\n", doc.Name(), sessionID)
	fmt.Println("configuration:", session.CurrentConfiguration())
	fmt.Println("enter event names, one per line (Ctrl-D to quit):")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		name := scanner.Text()
		if name == "" {
			continue
		}
		if session.Send(model.Event{Name: name}) == equeue.Rejected {
			fmt.Println("event queue full, dropped:", name)
			continue
		}
		// The session loop runs on its own goroutine; give it a moment to
		// reach macrostep stability before printing, since this CLI has no
		// way to observe completion short of polling Statistics().
		time.Sleep(20 * time.Millisecond)
		fmt.Println("configuration:", session.CurrentConfiguration())
	}
	return scanner.Err()
}
