package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdadmin "github.com/projecteru2/lumen/cmd/admin"
	cmdcore "github.com/projecteru2/lumen/cmd/core"
	cmdothers "github.com/projecteru2/lumen/cmd/others"
	cmdserve "github.com/projecteru2/lumen/cmd/serve"
	"github.com/projecteru2/lumen/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lumen",
		Short: "Lumen - photo library server",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(commandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("root-dir", "", "root data directory")
	cmd.PersistentFlags().String("listen-addr", "", "HTTP bind address")

	_ = viper.BindPFlag("root_dir", cmd.PersistentFlags().Lookup("root-dir"))
	_ = viper.BindPFlag("listen_addr", cmd.PersistentFlags().Lookup("listen-addr"))

	viper.SetEnvPrefix("LUMEN")
	viper.AutomaticEnv()

	base := cmdcore.BaseHandler{ConfProvider: func() *config.Config { return conf }}

	for _, c := range cmdserve.Commands(cmdserve.Handler{BaseHandler: base}) {
		cmd.AddCommand(c)
	}
	for _, c := range cmdadmin.Commands(cmdadmin.Handler{BaseHandler: base}) {
		cmd.AddCommand(c)
	}
	for _, c := range cmdothers.Commands(cmdothers.Handler{BaseHandler: base}) {
		cmd.AddCommand(c)
	}

	return cmd
}()

func initConfig(ctx context.Context) error {
	var err error
	if conf, err = config.LoadConfig(cfgFile); err != nil {
		return err
	}

	// Flag and LUMEN_* env overrides on top of the file.
	if v := viper.GetString("root_dir"); v != "" {
		conf.RootDir = v
	}
	if v := viper.GetString("listen_addr"); v != "" {
		conf.ListenAddr = v
	}

	return log.SetupLog(ctx, &conf.Log, "")
}

func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

func newCommandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := newCommandContext()
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
