// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package app implements the vertex-hub command tree.
package app

import (
	"github.com/spf13/cobra"
)

var (
	// HubCmd is the root command
	HubCmd = &cobra.Command{
		Use:   "vertex-hub [command]",
		Short: "Vertex integration hub at your service.",
		Long: `
Vertex hosts the Eden integration hub: third-party connectors, signed
webhook deliveries, notification fan-out, the event broker and the report
scheduler, all behind one authenticated HTTP API.`,
		SilenceUsage: true,
	}

	// confFilePath holds the path to the configuration file, to allow
	// overrides from the command line
	confFilePath string
)

func init() {
	HubCmd.PersistentFlags().StringVarP(&confFilePath, "cfgpath", "c", "", "path to vertex.yaml")
}
