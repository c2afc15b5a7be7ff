package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/bookget/capture/internal/channel"
	"github.com/bookget/capture/internal/output"
	"github.com/bookget/capture/internal/utils"
	"github.com/spf13/cobra"
)

func openChannel(cmd *cobra.Command) (*channel.Channel, error) {
	settings, err := loadSettings(cmd)
	if err != nil {
		return nil, err
	}
	return channel.Open(channel.Options{
		Name:        settings.Global.ChannelName,
		Dir:         settings.ResolvePath(settings.Global.ChannelDir),
		LockTimeout: utils.ChannelLockTimeout,
	})
}

// waitContext bounds a wait by d when d is positive and always by an interrupt.
func waitContext(d time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	if d <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	return ctx, func() {
		cancel()
		stop()
	}
}

func newChannelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Talk to sibling processes over the shared channel",
	}
	cmd.AddCommand(newChannelSendCmd())
	cmd.AddCommand(newChannelWatchCmd())
	cmd.AddCommand(newChannelHTMLCmd())
	cmd.AddCommand(newChannelResetCmd())
	return cmd
}

func newChannelSendCmd() *cobra.Command {
	var (
		imagePath string
		wait      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send [URL] [--image PATH] [--wait DURATION]",
		Short: "Ask a sibling to navigate to URL, or to save it as an image with --image",
		Args:  cobra.ExactArgs(1),
		Long: `Write a request to the shared channel. Without --wait the record is left in
place for a sibling that attaches later. On Windows the record only lives while
some process holds the channel open, so a sibling must already be running.`,
		Run: func(cmd *cobra.Command, args []string) {
			ch, err := openChannel(cmd)
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			// without --wait nobody answers here, the request must outlive this process
			if wait > 0 {
				defer ch.Close()
			} else {
				defer ch.Detach()
			}

			if imagePath != "" {
				if abs, err := filepath.Abs(imagePath); err == nil {
					imagePath = abs
				}
				err = ch.RequestImage(args[0], imagePath)
			} else {
				err = ch.RequestURL(args[0])
			}
			if err != nil {
				output.PrintError(fmt.Sprintf("Error writing request: %v", err))
				os.Exit(1)
			}
			output.PrintInfo(fmt.Sprintf("Request for %s sent", args[0]))
			if wait <= 0 {
				return
			}

			ctx, cancel := waitContext(wait)
			defer cancel()
			if imagePath != "" {
				if err := ch.WaitImage(ctx, imagePath); err != nil {
					output.PrintError(fmt.Sprintf("No image reported: %v", err))
					os.Exit(1)
				}
				output.PrintSuccess(fmt.Sprintf("Image saved to %s", imagePath))
				return
			}
			html, err := ch.WaitHTML(ctx)
			if err != nil {
				output.PrintError(fmt.Sprintf("No page content reported: %v", err))
				os.Exit(1)
			}
			cookies, err := ch.WaitCookies(ctx)
			if err != nil {
				output.PrintError(fmt.Sprintf("No cookies reported: %v", err))
				os.Exit(1)
			}
			output.PrintSuccess(fmt.Sprintf("Page loaded (%s of HTML)", utils.FormatBytes(uint64(len(html)))))
			if cookies != "" {
				output.PrintDetail(cookies)
			}
		},
	}

	cmd.Flags().StringVar(&imagePath, "image", "", "Ask the sibling to store the capture at this path")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 0, "Wait this long for the sibling's answer (eg. 30s)")
	return cmd
}

func newChannelWatchCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print requests written to the shared channel by other processes",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ch, err := openChannel(cmd)
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			defer ch.Close()

			ctx, cancel := waitContext(0)
			defer cancel()
			output.PrintHeader(fmt.Sprintf("Watching channel as process %d", ch.PID()))
			for snap := range ch.Poll(ctx, interval) {
				line := fmt.Sprintf("%s %s %s", output.FDebug(time.Now().Format(time.TimeOnly)), output.FInfo(fmt.Sprintf("[%d]", snap.Owner)), snap.URL)
				if snap.ImageReady && snap.ImagePath != "" {
					line += " " + output.StyleSymbols["arrow"] + " " + snap.ImagePath
				}
				fmt.Println(line)
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", utils.ChannelPollTick, "Polling interval")
	return cmd
}

func newChannelHTMLCmd() *cobra.Command {
	var (
		outputPath string
		wait       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "html [--output FILE]",
		Short: "Wait for a sibling to publish page HTML and print it",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ch, err := openChannel(cmd)
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			defer ch.Close()

			ctx, cancel := waitContext(wait)
			defer cancel()
			html, err := ch.WaitHTML(ctx)
			if err != nil {
				output.PrintError(fmt.Sprintf("No page content reported: %v", err))
				os.Exit(1)
			}
			if outputPath == "" {
				fmt.Println(html)
				return
			}
			if err := os.WriteFile(outputPath, []byte(html), 0644); err != nil {
				output.PrintError(fmt.Sprintf("Error writing %s: %v", outputPath, err))
				os.Exit(1)
			}
			output.PrintSuccess(fmt.Sprintf("HTML written to %s", outputPath))
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the HTML to this file")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 30*time.Second, "How long to wait (0 waits until interrupted)")
	return cmd
}

func newChannelResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear the shared record",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ch, err := openChannel(cmd)
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			defer ch.Close()
			if err := ch.Reset(); err != nil {
				output.PrintError(fmt.Sprintf("Error resetting channel: %v", err))
				os.Exit(1)
			}
			output.PrintSuccess("Shared record cleared")
		},
	}
}
