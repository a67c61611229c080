package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ZanzyTHEbar/treesnap/treesnap/engine"
	"github.com/ZanzyTHEbar/treesnap/treesnap/protocol"

	"github.com/pterm/pterm"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search <pattern>",
	Short: "Index the tree once and search it",
	Long: `Search indexes the tree, runs one query and prints the matches. By default the
file contents are searched; --files and --dirs search names instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	flags := searchCmd.Flags()
	flags.Bool("files", false, "search file names")
	flags.Bool("dirs", false, "search directory names")
	flags.Bool("regex", false, "treat the pattern as a regular expression")
	flags.Bool("case", false, "match case")
	flags.StringSlice("ext", nil, "restrict to file extensions (e.g. go,md)")
	flags.String("dir", "", "restrict to entries below this directory, relative to the root")
	flags.Bool("json", false, "print the raw response as JSON")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	files, _ := flags.GetBool("files")
	dirs, _ := flags.GetBool("dirs")
	regex, _ := flags.GetBool("regex")
	matchCase, _ := flags.GetBool("case")
	exts, _ := flags.GetStringSlice("ext")
	dir, _ := flags.GetString("dir")
	asJSON, _ := flags.GetBool("json")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	coord, err := rt.newCoordinator()
	if err != nil {
		return err
	}
	defer coord.Close()

	eng, err := engine.New(coord,
		engine.WithLogger(rt.logger),
		engine.WithBaseContext(ctx),
		engine.WithSearchConfig(rt.cfg.Search),
		engine.WithServerConfig(rt.cfg.Server),
	)
	if err != nil {
		return err
	}
	if _, err := rt.build(ctx, coord); err != nil {
		return err
	}

	// the query runs through the same protocol a remote client would use
	serverEnd, clientEnd := protocol.NewPipe()
	client := protocol.NewClient(clientEnd, protocol.WithClientLogger(rt.logger))
	var wg conc.WaitGroup
	wg.Go(func() { _ = eng.Serve(ctx, serverEnd) })
	wg.Go(func() { _ = client.Run(ctx) })
	defer func() {
		cancel()
		_ = clientEnd.Close()
		wg.Wait()
	}()

	query := protocol.SearchQuery{
		Pattern:    args[0],
		MatchCase:  matchCase,
		Regex:      regex,
		Extensions: exts,
		Directory:  dir,
		MaxResults: rt.cfg.Search.MaxResults,
	}

	var req protocol.RequestPayload
	switch {
	case files:
		req = protocol.SearchFileNamesRequest{Query: query}
	case dirs:
		req = protocol.SearchDirectoryNamesRequest{Query: query}
	default:
		req = protocol.SearchTextRequest{Query: query}
	}
	resp, err := client.Call(ctx, req)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	printResponse(resp)
	return nil
}

func printResponse(resp protocol.ResponsePayload) {
	var truncated bool
	switch r := resp.(type) {
	case protocol.SearchFileNamesResponse:
		for _, p := range r.Paths {
			fmt.Println(p)
		}
		truncated = r.Truncated
	case protocol.SearchDirectoryNamesResponse:
		for _, p := range r.Paths {
			fmt.Println(p + "/")
		}
		truncated = r.Truncated
	case protocol.SearchTextResponse:
		for _, f := range r.Files {
			for i, span := range f.Spans {
				if i < len(f.Extracts) {
					x := f.Extracts[i]
					fmt.Printf("%s:%d:%d: %s\n", f.Path, x.LineNumber, x.ColumnNumber, oneLine(x.Text))
				} else {
					fmt.Printf("%s@%d\n", f.Path, span.Position)
				}
			}
		}
		pterm.Info.Printfln("%d matches in %d files", r.MatchCount, len(r.Files))
		truncated = r.Truncated
	}
	if truncated {
		pterm.Warning.Println("Results truncated; raise search.maxResults to see more")
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
