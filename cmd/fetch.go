package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"time"

	"github.com/bookget/capture/internal/output"
	"github.com/bookget/capture/internal/retriever"
	"github.com/bookget/capture/internal/utils"
	"github.com/spf13/cobra"
)

// defaultOutputPath names a fetched file after the last segment of the URL path.
func defaultOutputPath(dir, rawURL, ext string) string {
	name := ""
	if parsed, err := url.Parse(rawURL); err == nil {
		name = path.Base(parsed.Path)
	}
	if name == "" || name == "/" || name == "." {
		name = "download" + ext
	}
	return filepath.Join(dir, name)
}

func newFetchCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "fetch [URL] [--output OUTPUT_PATH]",
		Short: "Retrieve a single URL with the raw socket client",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			settings, err := loadSettings(cmd)
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			target := args[0]
			if outputPath == "" {
				dir := settings.ResolvePath(settings.Global.DownloadDir)
				outputPath = defaultOutputPath(dir, target, settings.ExtensionFor(target))
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			r := retriever.New(settings.RetrieverConfig())
			start := time.Now()
			size, err := r.FetchToFile(ctx, target, utils.ParseHeaderArgs(headers), outputPath)
			if err != nil {
				if kind, ok := retriever.KindOf(err); ok {
					output.PrintError(fmt.Sprintf("Fetch failed (%s): %v", kind, err))
				} else {
					output.PrintError(fmt.Sprintf("Fetch failed: %v", err))
				}
				os.Exit(1)
			}
			output.PrintSuccess(fmt.Sprintf("Saved %s (%s in %s)", outputPath, utils.FormatBytes(uint64(size)), time.Since(start).Round(time.Millisecond)))
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path")
	return cmd
}
