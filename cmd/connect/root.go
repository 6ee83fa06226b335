package connect

import (
	"context"
	"fmt"
	cmdUtil "github.com/ValentinKolb/dComm/cmd/util"
	"github.com/ValentinKolb/dComm/comm/common"
	"github.com/ValentinKolb/dComm/comm/core"
	"github.com/ValentinKolb/dComm/comm/healthcheck"
	"github.com/ValentinKolb/dComm/comm/transport"
	"github.com/ValentinKolb/dComm/comm/wire"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var (
	connectCmdConfig = common.DefaultConfig()
	ConnectCmd       = &cobra.Command{
		Use:   "connect",
		Short: "Connect to a dComm server",
		Long: `Open a client transport to one of the given servers, send a number of messages and print the round trip time of every echo.
The transport reconnects on its own when the connection is lost. The format of the environment variables is DCOMM_<flag> (e.g. DCOMM_ADDRESSES=localhost:9510)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	cmdUtil.SetupTransportFlags(ConnectCmd)

	key := "count"
	ConnectCmd.PersistentFlags().Int(key, 10, cmdUtil.WrapString("Number of messages to send (0 = none)"))

	key = "interval"
	ConnectCmd.PersistentFlags().Duration(key, time.Second, cmdUtil.WrapString("Pause between two messages"))

	key = "body"
	ConnectCmd.PersistentFlags().String(key, "ping", cmdUtil.WrapString("Body of every message"))

	key = "reply-timeout"
	ConnectCmd.PersistentFlags().Duration(key, 5*time.Second, cmdUtil.WrapString("How long to wait for the outstanding echoes after the last message"))

	key = "hold"
	ConnectCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Keep the transport open after sending until the process is interrupted"))

	key = "callback-listen"
	ConnectCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of a listener announced to the server for its socket connect probe (e.g. 0.0.0.0:0, disabled if empty)"))

	key = "exit-on-reject"
	ConnectCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Terminate the process when the server rejects the handshake"))
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
	if len(conf.Transport.Addresses) == 0 {
		return fmt.Errorf("at least one server address is required")
	}
	if viper.GetDuration("interval") <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	connectCmdConfig = conf
	return nil
}

// run opens the transport and exchanges the messages
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(connectCmdConfig.LogLevel); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reactor := core.NewReactor(connectCmdConfig.Reactor)
	defer func() { _ = reactor.Close() }()

	var opts []transport.Option
	if viper.GetBool("exit-on-reject") {
		opts = append(opts, transport.WithHandshakeErrorHandler(transport.ExitingHandshakeErrorHandler{}))
	}

	if addr := viper.GetString("callback-listen"); addr != "" {
		ln, err := reactor.Listen(addr, core.AcceptFunc(func(*core.Connection) core.IMessageSink {
			return core.SinkFunc(discard)
		}))
		if err != nil {
			return fmt.Errorf("failed to open callback listener: %w", err)
		}
		defer func() { _ = ln.Close() }()
		opts = append(opts, transport.WithCallbackPort(int32(ln.Port())))
		cmdUtil.Logger.Infof("callback listener on %s", ln.Addr())
	}

	replies := make(chan cmdUtil.Envelope, 64)
	client := transport.NewClient(reactor, connectCmdConfig.Transport, transport.ReceiverFunc(func(t *transport.Transport, msg *wire.Message) {
		env, err := cmdUtil.DecodeEnvelope(msg.Bytes())
		msg.Release()
		if err != nil {
			cmdUtil.Logger.Warningf("dropping message from %s: %v", t, err)
			return
		}
		select {
		case replies <- env:
		default:
		}
	}), opts...)
	defer func() { _ = client.Close() }()

	checker := healthcheck.NewChecker(connectCmdConfig.HealthCheck)
	checker.Attach(client)
	if err := checker.Start(); err != nil {
		return err
	}
	defer checker.Stop()

	if err := client.Open(ctx); err != nil {
		return fmt.Errorf("failed to open transport: %w", err)
	}
	if conn := client.Connection(); conn != nil {
		fmt.Printf("connected to %s as %s\n", conn.RemoteAddr(), client.ConnectionID())
	}

	if err := exchange(ctx, client, replies); err != nil {
		return err
	}

	if viper.GetBool("hold") {
		fmt.Println("holding the transport open, press Ctrl+C to exit")
		<-ctx.Done()
	}
	return nil
}

// exchange sends count envelopes and prints the round trip of every echo
func exchange(ctx context.Context, client *transport.Transport, replies <-chan cmdUtil.Envelope) error {
	count := viper.GetInt("count")
	interval := viper.GetDuration("interval")
	body := viper.GetString("body")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent, received := 0, 0
	for sent < count {
		env := cmdUtil.NewEnvelope(uint64(sent+1), body)
		b, err := cmdUtil.EncodeEnvelope(env)
		if err != nil {
			return err
		}
		if err := client.Send(wire.NewMessage(wire.ProtocolTCM, b)); err != nil {
			fmt.Printf("seq=%d not sent: %v\n", env.Seq, err)
		}
		sent++

		if sent == count {
			break
		}
		for waiting := true; waiting; {
			select {
			case <-ctx.Done():
				return nil
			case reply := <-replies:
				received++
				printReply(reply)
			case <-ticker.C:
				waiting = false
			}
		}
	}

	timeout := time.NewTimer(viper.GetDuration("reply-timeout"))
	defer timeout.Stop()
	for received < sent {
		select {
		case <-ctx.Done():
			return nil
		case reply := <-replies:
			received++
			printReply(reply)
		case <-timeout.C:
			fmt.Printf("%d of %d messages unanswered\n", sent-received, sent)
			return nil
		}
	}
	fmt.Printf("%d of %d messages answered\n", received, sent)
	return nil
}

func printReply(env cmdUtil.Envelope) {
	fmt.Printf("seq=%d body=%q rtt=%v\n", env.Seq, env.Body, env.RoundTrip())
}

func discard(_ *core.Connection, msg *wire.Message) error {
	msg.Release()
	return nil
}
