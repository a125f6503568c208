package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/victornm/quizlive/internal/auth"
	"github.com/victornm/quizlive/internal/config"
	"github.com/victornm/quizlive/internal/server"
	"github.com/victornm/quizlive/internal/telemetry"
)

const envPrefix = "QUIZLIVE"

type flags struct {
	config string
	host   string
}

func newCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "quizlive",
		Short: "Live multiplayer quiz server.",
		Args:  cobra.NoArgs,
	}

	pfs := cmd.PersistentFlags()
	pfs.StringVarP(&f.config, "config", "c", "", "path to the config file (env: QUIZLIVE_CONFIG or CONFIG_PATH)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, WebSocket and gRPC servers.",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return serveCmd(f)
		},
	}

	token := &cobra.Command{
		Use:   "token",
		Short: "Issue a host token signed with the configured secret.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return tokenCmd(cmd, f)
		},
	}
	token.Flags().StringVar(&f.host, "host", "", "id of the host the token is issued for (env: QUIZLIVE_HOST)")
	_ = token.MarkFlagRequired("host")

	cmd.AddCommand(serve, token)

	for _, fs := range []*pflag.FlagSet{pfs, token.Flags()} {
		bindEnv(fs)
	}

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

// bindEnv fills every flag not given on the command line from its
// QUIZLIVE_ environment variable.
func bindEnv(fs *pflag.FlagSet) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}

func loadConfig(f flags) (server.Config, error) {
	c := server.DefaultConfig()

	p := f.config
	if p == "" {
		p = os.Getenv("CONFIG_PATH")
	}

	if err := config.Load(p, envPrefix, &c); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	return c, nil
}

func serveCmd(f flags) error {
	c, err := loadConfig(f)
	if err != nil {
		return err
	}

	slog.SetDefault(telemetry.NewLogger(os.Stdout, c.Log.Level))

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

	s, err := server.Init(c)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	go s.Start()

	<-shutdown
	s.Shutdown()
	return nil
}

func tokenCmd(cmd *cobra.Command, f flags) error {
	c, err := loadConfig(f)
	if err != nil {
		return err
	}

	j, err := auth.NewJWT(auth.Config{Secret: c.Auth.Secret, TTL: c.Auth.TokenTTL})
	if err != nil {
		return err
	}

	token, err := j.Issue(f.host)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}
