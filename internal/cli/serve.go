package cli

import (
	"github.com/spf13/cobra"

	"github.com/lunarbay/scriptmill/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only status API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		port, _ := cmd.Flags().GetInt("port")
		if port == 0 {
			port = a.cfg.Web.Port
		}
		return web.NewServer(a.store, a.boards, a.events, port).Start()
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "Listen port (default from config)")
}
