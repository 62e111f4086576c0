package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"extension-gateway/internal/config"
	"extension-gateway/internal/policy"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var errInvalidConfig = errors.New("configuration is invalid")

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config and print the origin policy it produces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.OutOrStdout(), opts.configPath)
		},
	}
}

// runValidate reports every problem in the config at path, or summarizes
// the resulting policy
func runValidate(out io.Writer, path string) error {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	warning := color.New(color.FgYellow)

	cfg, err := config.LoadConfig(path)
	if err != nil {
		red.Fprintln(out, "FAIL config")
		printErrors(out, err)
		return errInvalidConfig
	}

	p, err := policy.New(cfg.Policy)
	if err != nil {
		red.Fprintln(out, "FAIL policy")
		printErrors(out, err)
		return errInvalidConfig
	}

	green.Fprintf(out, "OK %s\n", path)
	fmt.Fprintf(out, "environment:          %s\n", cfg.Policy.Environment)
	fmt.Fprintf(out, "upstream:             %s%s\n", cfg.Upstream.URL, cfg.Upstream.PathPrefix)
	fmt.Fprintf(out, "allow all origins:    %t\n", p.AllowAllOrigins())
	fmt.Fprintf(out, "allow credentials:    %t\n", p.AllowCredentials())
	fmt.Fprintf(out, "cors origins:         %s\n", strings.Join(p.AllowedOriginPatterns(), ", "))
	fmt.Fprintf(out, "csrf trusted origins: %s\n", strings.Join(p.CSRFTrustedOriginPatterns(), ", "))
	fmt.Fprintf(out, "methods:              %s\n", strings.Join(p.AllowedMethods(), ", "))
	fmt.Fprintf(out, "headers:              %s\n", strings.Join(p.AllowedHeaders(), ", "))

	if p.AllowAllOrigins() {
		warning.Fprintln(out, "WARNING: every origin may read responses; set allow_all_origins to false before production")
	}
	if inert := p.InertPatterns(); len(inert) > 0 {
		warning.Fprintf(out, "WARNING: inert cors patterns: %s\n", strings.Join(inert, ", "))
	}
	return nil
}

// printErrors writes each joined error on its own line
func printErrors(out io.Writer, err error) {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			printErrors(out, e)
		}
		return
	}
	fmt.Fprintf(out, "  - %v\n", err)
}
