// -- cmd/watch.go --
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/observability"
	"github.com/xkilldash9x/marionette-cli/internal/watcher"
)

var (
	watchBaseline       string
	watchArmFromCurrent bool
	watchContinue       bool
)

var watchCmd = &cobra.Command{
	Use:   "watch <session-id> <url>",
	Short: "Watch a page for new content, printing detections as JSON lines until interrupted.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, targetURL := args[0], args[1]
		logger := observability.GetLogger()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := newService(ctx)
		if err != nil {
			return err
		}
		defer svc.Shutdown(cmd.Context())

		enc := json.NewEncoder(os.Stdout)
		detected := make(chan struct{}, 1)
		id, err := svc.StartWatcher(ctx, sessionID, targetURL, watcher.Options{
			BaselineText:       watchBaseline,
			ArmFromCurrent:     watchArmFromCurrent,
			ContinueAfterNovel: watchContinue,
			OnResult: func(r schemas.WatchResult) {
				if r.Outcome == schemas.OutcomeNovel {
					if err := enc.Encode(r); err != nil {
						logger.Warn("Failed to write detection", zap.Error(err))
					}
					select {
					case detected <- struct{}{}:
					default:
					}
				}
			},
		})
		if err != nil {
			return err
		}
		logger.Info("Watching for new content. Interrupt to stop.",
			zap.String("watcher_id", id),
			zap.String("session_id", sessionID),
			zap.String("url", targetURL))

		if watchContinue {
			<-ctx.Done()
		} else {
			select {
			case <-detected:
			case <-ctx.Done():
			}
		}
		fmt.Fprintln(os.Stderr, "Stopping watcher...")
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchBaseline, "baseline", "", "reference text marking the last already-seen item")
	watchCmd.Flags().BoolVar(&watchArmFromCurrent, "arm-from-current", true, "re-anchor on the latest item when the baseline is gone")
	watchCmd.Flags().BoolVar(&watchContinue, "continue", true, "keep watching after a detection instead of exiting")
	rootCmd.AddCommand(watchCmd)
}
