package serve

import (
	"context"
	"errors"
	"fmt"
	cmdUtil "github.com/ValentinKolb/dComm/cmd/util"
	"github.com/ValentinKolb/dComm/comm/common"
	"github.com/ValentinKolb/dComm/comm/connid"
	"github.com/ValentinKolb/dComm/comm/core"
	"github.com/ValentinKolb/dComm/comm/healthcheck"
	"github.com/ValentinKolb/dComm/comm/transport"
	"github.com/ValentinKolb/dComm/comm/wire"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var (
	serveCmdConfig = common.DefaultConfig()
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a dComm server",
		Long:    `Start a dComm server that accepts client transports and echoes every message it receives. The configuration can be set via command line flags or environment variables. The format of the environment variables is DCOMM_<flag> (e.g. DCOMM_MAX_CONNECTIONS=10)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	cmdUtil.SetupTransportFlags(ServeCmd)

	key := "server-id"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Identity of this server, embedded in every connection id it issues (random if empty)"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of the HTTP endpoint serving /metrics and /stats (disabled if empty)"))
}

// processConfig reads the configuration from the command line flags and environment variables
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	conf, err := cmdUtil.GetConfig()
	if err != nil {
		return err
	}
	serveCmdConfig = conf
	return nil
}

// run starts the server and blocks until it receives SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(serveCmdConfig.LogLevel); err != nil {
		return err
	}
	fmt.Println(serveCmdConfig.String())

	identity := connid.NewServerIdentity()
	if id := viper.GetString("server-id"); id != "" {
		var err error
		if identity, err = connid.ParseServerIdentity(id); err != nil {
			return fmt.Errorf("invalid server id: %w", err)
		}
	}

	reactor := core.NewReactor(serveCmdConfig.Reactor)
	defer func() { _ = reactor.Close() }()

	checker := healthcheck.NewChecker(serveCmdConfig.HealthCheck)
	stack, err := transport.NewServerStack(reactor, serveCmdConfig.Transport, identity,
		transport.ReceiverFunc(echo),
		transport.OnTransportCreated(checker.Attach))
	if err != nil {
		return err
	}

	ln, err := stack.Listen()
	if err != nil {
		return err
	}
	if err := checker.Start(); err != nil {
		_ = stack.Close()
		return err
	}
	defer checker.Stop()

	cmdUtil.Logger.Infof("server %s listening on %s", identity, ln.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if endpoint := viper.GetString("metrics-endpoint"); endpoint != "" {
		srv := newMetricsServer(endpoint, reactor)
		g.Go(func() error {
			cmdUtil.Logger.Infof("serving metrics on %s", endpoint)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics endpoint failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		cmdUtil.Logger.Infof("shutting down, closing %d transports", len(stack.Transports()))
		return stack.Close()
	})

	return g.Wait()
}

// echo answers every envelope on the transport it came from
func echo(t *transport.Transport, msg *wire.Message) {
	env, err := cmdUtil.DecodeEnvelope(msg.Bytes())
	msg.Release()
	if err != nil {
		cmdUtil.Logger.Warningf("dropping message from %s: %v", t, err)
		return
	}

	env.Echo = true
	b, err := cmdUtil.EncodeEnvelope(env)
	if err != nil {
		cmdUtil.Logger.Errorf("failed to answer %s: %v", t, err)
		return
	}
	if err := t.Send(wire.NewMessage(wire.ProtocolTCM, b)); err != nil {
		cmdUtil.Logger.Debugf("failed to echo message %d to %s: %v", env.Seq, t, err)
	}
}

func newMetricsServer(endpoint string, reactor *core.Reactor) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		common.WritePrometheus(w)
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		reactor.WriteStats(w)
	})
	return &http.Server{Addr: endpoint, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
