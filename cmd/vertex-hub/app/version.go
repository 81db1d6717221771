// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eden-vertex/vertex/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  ``,
	Run: func(*cobra.Command, []string) {
		if version.Commit != "" {
			fmt.Printf("vertex-hub %s - Commit: %s\n", version.HubVersion, version.Commit)
			return
		}
		fmt.Printf("vertex-hub %s\n", version.HubVersion)
	},
}

func init() {
	// attach the command to the root
	HubCmd.AddCommand(versionCmd)
}
