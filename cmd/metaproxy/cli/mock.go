package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/majorcontext/metaproxy/internal/mock"
	"github.com/majorcontext/metaproxy/internal/server"
	"github.com/spf13/cobra"
)

var (
	mockListen     string
	mockInstanceID string
)

var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Serve a static EC2 metadata catalog",
	Long: `Serve a fixed EC2 instance metadata tree for development and tests.

The catalog answers the common meta-data and dynamic paths with canned
values. It does not serve credentials; point "metaproxy serve" at it with
--metadata-url, or use "metaproxy serve --mock".

Example:
  metaproxy mock --listen 127.0.0.1:8100
  curl http://127.0.0.1:8100/latest/meta-data/instance-id`,
	Args: cobra.NoArgs,
	RunE: runMock,
}

func init() {
	rootCmd.AddCommand(mockCmd)
	mockCmd.Flags().StringVar(&mockListen, "listen", "127.0.0.1:8100", "listen address")
	mockCmd.Flags().StringVar(&mockInstanceID, "instance-id", "", "instance ID to report")
}

func runMock(cmd *cobra.Command, args []string) error {
	catalog, err := mock.New(mock.Options{
		InstanceID: mockInstanceID,
		Region:     cfg.AWS.Region,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New("mock", mockListen, catalog)
	if err := srv.Start(); err != nil {
		return err
	}
	defer stopServer(srv)
	fmt.Printf("Mock metadata service listening on %s\n", srv.URL())

	select {
	case <-ctx.Done():
		return nil
	case err := <-srv.Err():
		return err
	}
}
