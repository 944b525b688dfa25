// Copyright © 2024 The rnaprobe Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package cmd

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"runtime"
	"strings"
	"time"

	colorable "github.com/mattn/go-colorable"
	"github.com/shenwei356/go-logging"
	"github.com/spf13/cobra"

	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/config"
)

var log = logging.MustGetLogger("rnaprobe")

// exit codes
const (
	exitOK          = 0
	exitError       = 1
	exitConfigError = 2
	exitPartial     = 3
	exitAllFailed   = 4
)

var logFormat = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{color}[%{level:.4s}]%{color:reset} %{message}`,
)

var logFormatFile = logging.MustStringFormatter(
	`%{time:15:04:05.000} [%{level:.4s}] %{message}`,
)

func stderrBackend(verbose bool) logging.Backend {
	var stderr io.Writer = os.Stderr
	if runtime.GOOS == "windows" {
		stderr = colorable.NewColorableStderr()
	}
	backend := logging.AddModuleLevel(
		logging.NewBackendFormatter(logging.NewLogBackend(stderr, "", 0), logFormat))
	if verbose {
		backend.SetLevel(logging.INFO, "")
	} else {
		backend.SetLevel(logging.WARNING, "")
	}
	return backend
}

func init() {
	logging.SetBackend(stderrBackend(true))
}

// setupLog sets log levels, and also writes logs to a file when given.
// The returned file, if not nil, should be closed at the end.
func setupLog(opt *Options) *os.File {
	if !opt.Log2File {
		logging.SetBackend(stderrBackend(opt.Verbose))
		return nil
	}
	return addLog(opt.LogFile, opt.Verbose)
}

func addLog(file string, verbose bool) *os.File {
	w, err := os.Create(file)
	if err != nil {
		checkError(fmt.Errorf("fail to write log file %s: %s", file, err))
	}

	backendFile := logging.AddModuleLevel(
		logging.NewBackendFormatter(logging.NewLogBackend(w, "", 0), logFormatFile))
	backendFile.SetLevel(logging.INFO, "")
	logging.SetBackend(stderrBackend(verbose), backendFile)
	return w
}

func checkError(err error) {
	if err != nil {
		log.Error(err)
		os.Exit(exitError)
	}
}

// checkConfigError exits with the dedicated code for configuration errors.
func checkConfigError(err error) {
	if err == nil {
		return
	}
	log.Error(err)
	if config.IsConfigError(err) {
		os.Exit(exitConfigError)
	}
	os.Exit(exitError)
}

func getFlagString(cmd *cobra.Command, flag string) string {
	value, err := cmd.Flags().GetString(flag)
	checkError(err)
	return value
}

func getFlagStringSlice(cmd *cobra.Command, flag string) []string {
	value, err := cmd.Flags().GetStringSlice(flag)
	checkError(err)
	return value
}

func getFlagBool(cmd *cobra.Command, flag string) bool {
	value, err := cmd.Flags().GetBool(flag)
	checkError(err)
	return value
}

func getFlagNonNegativeInt(cmd *cobra.Command, flag string) int {
	value, err := cmd.Flags().GetInt(flag)
	checkError(err)
	if value < 0 {
		checkError(fmt.Errorf("value of flag --%s should be greater than or equal to 0", flag))
	}
	return value
}

func getFlagPositiveInt(cmd *cobra.Command, flag string) int {
	value, err := cmd.Flags().GetInt(flag)
	checkError(err)
	if value <= 0 {
		checkError(fmt.Errorf("value of flag --%s should be greater than 0", flag))
	}
	return value
}

func getFlagNonNegativeDuration(cmd *cobra.Command, flag string) time.Duration {
	value, err := cmd.Flags().GetDuration(flag)
	checkError(err)
	if value < 0 {
		checkError(fmt.Errorf("value of flag --%s should be greater than or equal to 0", flag))
	}
	return value
}

// getFlagFloat64IfSet returns the flag value only when it is given in the
// command line, so that it overrides the configuration.
func getFlagFloat64IfSet(cmd *cobra.Command, flag string, value *float64) bool {
	if !cmd.Flags().Changed(flag) {
		return false
	}
	v, err := cmd.Flags().GetFloat64(flag)
	checkError(err)
	*value = v
	return true
}

var reFlagUsageLine = regexp.MustCompile(`\n\s*`)

// formatFlagUsage joins a multi-line usage into one line for cobra, which
// wraps it when printing help.
func formatFlagUsage(s string) string {
	return reFlagUsageLine.ReplaceAllString(strings.TrimSpace(s), " ")
}

func usageTemplate(s string) string {
	return fmt.Sprintf(`Usage:{{if .Runnable}}
  {{.UseLine}} %s{{end}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}{{if gt (len .Aliases) 0}}

Aliases:
  {{.NameAndAliases}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}

Available Commands:{{range .Commands}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasHelpSubCommands}}

Additional help topics:{{range .Commands}}{{if .IsAdditionalHelpTopicCommand}}
  {{rpad .CommandPath .CommandPathPadding}} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`, s)
}
