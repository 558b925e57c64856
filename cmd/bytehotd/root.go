package main

import (
	"github.com/spf13/cobra"
)

var configPath string

// newRootCommand mirrors the teacher's migration CLI shape (cobra root +
// one subcommand per operation) rather than the bare flag.Parse the
// teacher's server binary uses, since bytehotd has more than one mode of
// operation (run the host, validate a config file).
func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "bytehotd",
		Short: "ByteHot runtime class-redefinition engine",
		Long:  "bytehotd watches compiled class files, validates redefinition compatibility, and hot-swaps loaded classes without a restart.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (defaults applied if omitted)")

	root.AddCommand(newRunCommand())
	root.AddCommand(newValidateConfigCommand())
	return root
}
