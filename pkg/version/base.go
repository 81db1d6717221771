// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package version holds the build identity of the hub binaries.
package version

// HubVersion contains the version of the hub.
// It is populated at build time using build flags.
var HubVersion string

// Commit is populated with the short commit hash the binary was built from.
var Commit string

var hubVersionDefault = "0.1.0"

func init() {
	if HubVersion == "" {
		HubVersion = hubVersionDefault
	}
}
