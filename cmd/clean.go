package cmd

import (
	"fmt"
	"os"

	"github.com/bookget/capture/internal/output"
	"github.com/bookget/capture/internal/utils"
	"github.com/spf13/cobra"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [dir]",
		Short: "Remove partial downloads left behind by interrupted runs",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			} else {
				settings, err := loadSettings(cmd)
				if err != nil {
					output.PrintError(err.Error())
					os.Exit(1)
				}
				dir = settings.ResolvePath(settings.Global.DownloadDir)
			}
			n, err := utils.CleanPartials(dir)
			if err != nil {
				output.PrintError(fmt.Sprintf("Error cleaning %s: %v", dir, err))
				os.Exit(1)
			}
			output.PrintSuccess(fmt.Sprintf("Removed %d partial file(s) from %s", n, dir))
		},
	}
}
