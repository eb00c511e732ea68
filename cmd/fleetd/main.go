// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command fleetd starts the AleutianFleet model gateway.
//
// # Description
//
// fleetd serves an OpenAI-compatible inference surface backed by a
// fleet of local model processes. It resolves model aliases, starts
// backends on demand within device memory limits, proxies /v1/*
// traffic, and records per-request accounting for billing.
//
// # Environment Variables
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector address;
//     tracing is disabled when unset.
//
// # Usage
//
//	fleetd serve --config config/catalogue.yaml
//	fleetd version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped by the build.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "fleetd",
		Short: "Local model fleet gateway",
		Long: "fleetd routes OpenAI-compatible requests to local model backends,\n" +
			"starting and stopping them on demand within device memory limits.",
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the fleetd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
