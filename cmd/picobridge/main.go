// PicoBridge - Message mirror bridge between chat platforms
// Built on the PicoClaw gateway: https://github.com/sipeed/picoclaw
// License: MIT
//
// Copyright (c) 2026 PicoBridge contributors

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/picobridge/cmd/picobridge/internal"
	"github.com/tinyland-inc/picobridge/cmd/picobridge/internal/gateway"
	"github.com/tinyland-inc/picobridge/cmd/picobridge/internal/migrate"
	"github.com/tinyland-inc/picobridge/cmd/picobridge/internal/snapshot"
	"github.com/tinyland-inc/picobridge/cmd/picobridge/internal/version"
)

func NewPicobridgeCommand() *cobra.Command {
	short := fmt.Sprintf("%s picobridge - Chat message mirror v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:     "picobridge",
		Short:   short,
		Example: "picobridge gateway --config ~/.picobridge/config.yaml",
	}

	cmd.AddCommand(
		gateway.NewGatewayCommand(),
		snapshot.NewSnapshotCommand(),
		migrate.NewMigrateCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewPicobridgeCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
