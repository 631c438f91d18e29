package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pearswick/dumpany/internal/retrieval"
)

const closeTimeout = 10 * time.Second

var (
	errNoCompanyNumbers = errors.New("no company numbers given")
	errNoValidCompanies = errors.New("no valid companies found")
)

type fetchOptions struct {
	yes bool
}

func newFetchCmd(s *session) *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch [company-number...]",
		Short: "Download every available filing PDF for one or more companies",
		Long: `Resolves each company, lists its filing history and downloads every
document that is not already on disk. Numbers may be given as arguments or
comma separated; without arguments they are read from standard input.`,
		Annotations: map[string]string{needsApp: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, s, opts, args)
		},
	}
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func runFetch(cmd *cobra.Command, s *session, opts *fetchOptions, args []string) error {
	if s.app == nil {
		return errors.New("application services not initialized")
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	in := bufio.NewReader(cmd.InOrStdin())
	a := s.app

	printBanner(out)
	_, _ = fmt.Fprintf(out, "Documents will be saved to: %s\n", a.OutputDir())

	numbers := parseCompanyNumbers(args)
	if len(numbers) == 0 {
		line, err := prompt(out, in, "Enter company number(s) separated by commas: ")
		if err != nil {
			return err
		}
		numbers = parseCompanyNumbers([]string{line})
	}
	if len(numbers) == 0 {
		return errNoCompanyNumbers
	}

	valid, labels := resolveCompanies(ctx, out, a, numbers)
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(valid) == 0 {
		return errNoValidCompanies
	}

	if !opts.yes {
		_, _ = fmt.Fprintln(out, "\nDumpany will download all available PDFs for these companies:")
		for _, l := range labels {
			_, _ = fmt.Fprintf(out, "  • %s\n", l)
		}
		answer, err := prompt(out, in, "\nProceed? (y/n): ")
		if err != nil {
			return err
		}
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			_, _ = fmt.Fprintln(out, "Operation cancelled.")
			return nil
		}
	}

	a.StartStatusServer(ctx)
	return a.Runner().RunAll(ctx, valid, s.opts.debug, func(sum retrieval.Summary) {
		a.Tracker().Record(sum)
		printSummary(out, sum)
	})
}

// parseCompanyNumbers splits args on commas and whitespace, dropping blanks
// and repeats while keeping first-seen order.
func parseCompanyNumbers(args []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, arg := range args {
		for _, field := range strings.FieldsFunc(arg, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
		}) {
			number := strings.ToUpper(field)
			if _, dup := seen[number]; dup {
				continue
			}
			seen[number] = struct{}{}
			out = append(out, number)
		}
	}
	return out
}

func resolveCompanies(ctx context.Context, out io.Writer, a App, numbers []string) ([]string, []string) {
	var valid, labels []string
	for _, number := range numbers {
		if ctx.Err() != nil {
			break
		}
		company, err := a.Lookup().Company(ctx, number)
		if err != nil {
			a.Logger().Debug("company lookup failed", zap.String("company_number", number), zap.Error(err))
			_, _ = fmt.Fprintf(out, "Error fetching company %s: %v\n", number, err)
			continue
		}
		valid = append(valid, number)
		labels = append(labels, fmt.Sprintf("%s (%s)", company.DirName(), number))
	}
	return valid, labels
}

func prompt(out io.Writer, in *bufio.Reader, question string) (string, error) {
	_, _ = fmt.Fprint(out, question)
	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func printBanner(out io.Writer) {
	_, _ = fmt.Fprintln(out, "dumpany (c) 2025 pearswick")
	_, _ = fmt.Fprintln(out, "A document downloader for UK companies")
	_, _ = fmt.Fprintln(out)
}

func printSummary(out io.Writer, s retrieval.Summary) {
	_, _ = fmt.Fprintf(out, "✓ All available documents for %s saved to %s (downloaded %d, skipped %d, failed %d)\n",
		s.CompanyName, s.OutputDir, s.Downloaded, s.Skipped, s.Failed)
}
