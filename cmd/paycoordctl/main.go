// Command paycoordctl выполняет операционные команды координатора: миграции,
// разовый проход sweeper, ремонт зависших удержаний, повтор DLQ и выпуск админского токена.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/paycoord/internal/app"
	"github.com/vladislavdragonenkov/paycoord/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.LookupEnv).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(lookup app.EnvLookup) *cobra.Command {
	root := &cobra.Command{
		Use:           "paycoordctl",
		Short:         "Operational commands for the payment coordinator",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			app.SetupLogger(lookup)
		},
	}

	root.AddCommand(migrateCmd(lookup))
	root.AddCommand(sweepCmd(lookup))
	root.AddCommand(repairUnitsCmd(lookup))
	root.AddCommand(dlqReplayCmd(lookup))
	root.AddCommand(adminTokenCmd(lookup))
	return root
}
