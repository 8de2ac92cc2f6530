// Package cli implements acqctl, the operator command line for acqd.
package cli

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	logx "acqd/pkg/logx"
)

// options are shared by every subcommand through the persistent flags.
type options struct {
	server  string
	timeout time.Duration
	debug   bool
	json    bool

	client *Client
}

// defaultServer checks ACQD_SERVER before falling back to the daemon default.
func defaultServer() string {
	if s := os.Getenv("ACQD_SERVER"); s != "" {
		return s
	}
	return "http://127.0.0.1:9393"
}

// NewRootCmd creates the root cobra command for acqctl.
func NewRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:   "acqctl",
		Short: "acqctl queues and inspects microscope actions on acqd",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := "warn"
			if o.debug {
				level = "debug"
			}
			log := logx.NewJSON(cmd.ErrOrStderr(), level).With(logx.String("comp", "acqctl"))
			o.client = NewClient(o.server, o.timeout, log)
		},
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&o.server, "server", defaultServer(), "acqd URL (or ACQD_SERVER env)")
	pf.DurationVar(&o.timeout, "timeout", 10*time.Second, "HTTP request timeout")
	pf.BoolVar(&o.debug, "debug", false, "log HTTP traffic to stderr")
	pf.BoolVar(&o.json, "json", false, "print raw JSON")

	root.AddCommand(
		newSubmitCmd(o),
		newStatusCmd(o),
		newPauseCmd(o),
		newResumeCmd(o),
		newOutcomesCmd(o),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
