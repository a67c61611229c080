package cmd

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/treesnap/treesnap/snapshot"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index the tree once and print snapshot statistics",
	RunE:  runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
}

// spinnerListener shows build progress on a terminal spinner.
type spinnerListener struct {
	mu      sync.Mutex
	spinner *pterm.SpinnerPrinter
}

func (l *spinnerListener) update(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.spinner != nil {
		l.spinner.UpdateText(text)
	}
}

func (l *spinnerListener) TreeComputing() { l.update("Scanning directories...") }

func (l *spinnerListener) FilesLoading(total int64) {
	l.update(fmt.Sprintf("Loading %d files...", total))
}

func (l *spinnerListener) ProgressReport(completed, total int64) {
	if completed%64 == 0 || completed == total {
		l.update(fmt.Sprintf("Loading files %d/%d", completed, total))
	}
}

func (l *spinnerListener) FilesLoaded(error) {}

func (l *spinnerListener) TreeComputed(int64, error) {}

func runIndex(cmd *cobra.Command, _ []string) error {
	rt, err := loadRuntime(cmd)
	if err != nil {
		return err
	}

	listener := &spinnerListener{}
	coord, err := rt.newCoordinator(snapshot.WithListener(listener))
	if err != nil {
		return err
	}
	defer coord.Close()

	spinner, _ := pterm.DefaultSpinner.
		WithStyle(pterm.NewStyle(pterm.FgLightBlue)).
		WithRemoveWhenDone(true).
		Start("Indexing " + rt.cfg.Index.Root)
	listener.mu.Lock()
	listener.spinner = spinner
	listener.mu.Unlock()

	snap, err := rt.build(cmd.Context(), coord)
	_ = spinner.Stop()
	if err != nil {
		pterm.Error.Println(err)
		return err
	}

	st := snap.DB.Statistics()
	pterm.Success.Printfln("Indexed %s in %s (version %d)", rt.cfg.Index.Root, snap.Duration.Round(time.Millisecond), snap.Version)

	data := pterm.TableData{
		{"Metric", "Value"},
		{"Files", fmt.Sprint(st.FileCount)},
		{"Searchable files", fmt.Sprint(st.SearchableFileCount)},
		{"Directories", fmt.Sprint(st.DirectoryCount)},
		{"Symlinked directories", fmt.Sprint(st.SymLinkDirectoryCount)},
		{"Pieces", fmt.Sprint(st.PieceCount)},
		{"Content bytes", fmt.Sprint(st.ContentBytes)},
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}

	exts := make([]string, 0, len(st.Extensions))
	for ext := range st.Extensions {
		exts = append(exts, ext)
	}
	sort.Slice(exts, func(i, j int) bool { return st.Extensions[exts[i]] > st.Extensions[exts[j]] })
	if len(exts) > 10 {
		exts = exts[:10]
	}
	extData := pterm.TableData{{"Extension", "Files"}}
	for _, ext := range exts {
		label := ext
		if label == "" {
			label = "(none)"
		}
		extData = append(extData, []string{label, fmt.Sprint(st.Extensions[ext])})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(extData).Render()
}
