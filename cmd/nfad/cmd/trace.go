package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/librescoot/nfa/internal/nci"
)

var traceRaw bool

var traceCmd = &cobra.Command{
	Use:   "trace FILE",
	Short: "Dump a frame trace recorded by run --trace",
	Long: `Print every NCI frame of a CBOR trace with its time offset, direction and
decoded header.

Examples:
  nfad trace /tmp/nfad.cbor
  nfad trace --raw /tmp/nfad.cbor`,
	Args: cobra.ExactArgs(1),
	RunE: runTrace,
}

func init() {
	rootCmd.AddCommand(traceCmd)

	traceCmd.Flags().BoolVar(&traceRaw, "raw", false, "print frames without decoding the header")
}

func runTrace(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return errors.Wrap(err, "open trace")
	}
	defer f.Close()

	records, err := nci.ReadTrace(f)
	if err != nil {
		return errors.Wrapf(err, "read %s", args[0])
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "empty trace")
		return nil
	}

	start := records[0].At()
	for _, r := range records {
		offset := r.At().Sub(start).Round(time.Microsecond)
		if traceRaw {
			fmt.Fprintf(out, "%12s %s % X\n", offset, r.Dir, r.Frame)
			continue
		}
		p, err := nci.Decode(r.Frame)
		if err != nil {
			fmt.Fprintf(out, "%12s %s % X (%v)\n", offset, r.Dir, r.Frame, err)
			continue
		}
		fmt.Fprintf(out, "%12s %s %s % X\n", offset, r.Dir, p.Header, p.Payload)
	}
	fmt.Fprintf(out, "%d frames in %s\n", len(records), records[len(records)-1].At().Sub(start))
	return nil
}
