package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/weft/internal/driver"
	"github.com/roach88/weft/internal/rpc"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	DBPath string
	Listen string
	Stdio  bool
}

// NewServeCommand creates the serve command: open the destination and
// serve the protocol over TCP or stdio.
func NewServeCommand(root *RootOptions) *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the materialization protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.DBPath == "" {
				return fmt.Errorf("--db is required")
			}

			d, err := driver.Open(opts.DBPath)
			if err != nil {
				return err
			}
			defer d.Close()

			srv := rpc.NewServer(d)
			ctx := cmd.Context()
			if opts.Stdio {
				return srv.ServeStream(ctx, &stdioConn{read: os.Stdin, write: os.Stdout})
			}
			return srv.ListenAndServe(ctx, opts.Listen)
		},
	}

	cmd.Flags().StringVar(&opts.DBPath, "db", "", "path to the destination SQLite database")
	cmd.Flags().StringVar(&opts.Listen, "listen", "127.0.0.1:9180", "TCP listen address")
	cmd.Flags().BoolVar(&opts.Stdio, "stdio", false, "serve a single connection over stdin/stdout")

	return cmd
}

// stdioConn adapts stdin/stdout to the io.ReadWriteCloser the RPC stream
// expects.
type stdioConn struct {
	read  io.Reader
	write io.Writer
}

func (s *stdioConn) Read(p []byte) (int, error)  { return s.read.Read(p) }
func (s *stdioConn) Write(p []byte) (int, error) { return s.write.Write(p) }
func (s *stdioConn) Close() error                { return nil }
