// Command rdt-echo is a small diagnostic client/server for the rdt
// transport: serve echoes back whatever it receives on each connection,
// dial sends lines of stdin and prints whatever comes back. It exists to
// exercise the library end-to-end over a real UDP socket, the way the
// teacher's own integration_test/testdata/udp-echo program exercises its
// networking stack.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/sethvargo/go-envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/datawire/dlib/dlog"

	"github.com/gortc/rdt/pkg/rdt"
)

// Env holds the defaults rdt-echo falls back to when a flag isn't given,
// loaded with go-envconfig the way the teacher's cmd/traffic components do.
type Env struct {
	Listen string `env:"RDT_LISTEN,default=127.0.0.1:9800"`
	Dial   string `env:"RDT_DIAL,default=127.0.0.1:9800"`
}

func main() {
	logger := logrus.StandardLogger()
	logger.SetLevel(logrus.InfoLevel)
	ctx := dlog.WithLogger(context.Background(), dlog.WrapLogrus(logger))

	if err := getRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func getRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "rdt-echo",
		Short:        "Diagnostic client/server for the rdt reliable-datagram transport",
		SilenceUsage: true,
	}
	root.AddCommand(getServeCommand(), getDialCommand())
	return root
}

func loadEnv(ctx context.Context) (Env, error) {
	var env Env
	err := envconfig.Process(ctx, &env)
	return env, err
}

func getServeCommand() *cobra.Command {
	var laddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept connections and echo every received payload back to its sender",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := loadEnv(ctx)
			if err != nil {
				return err
			}
			if laddr == "" {
				laddr = env.Listen
			}
			return runServe(ctx, laddr)
		},
	}
	cmd.Flags().StringVarP(&laddr, "listen", "l", "", "address to listen on (default from RDT_LISTEN)")
	return cmd
}

func getDialCommand() *cobra.Command {
	var raddr string
	var laddr string
	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Connect to a server and echo stdin lines against it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := loadEnv(ctx)
			if err != nil {
				return err
			}
			if raddr == "" {
				raddr = env.Dial
			}
			return runDial(ctx, laddr, raddr)
		},
	}
	cmd.Flags().StringVarP(&raddr, "remote", "r", "", "server address to dial (default from RDT_DIAL)")
	cmd.Flags().StringVarP(&laddr, "listen", "l", "127.0.0.1:0", "local address to bind before dialing")
	return cmd
}

func runServe(ctx context.Context, laddr string) error {
	socket, err := rdt.Listen(ctx, laddr)
	if err != nil {
		return err
	}
	defer socket.Close(ctx)

	for {
		conn, err := socket.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go serveConn(ctx, conn)
	}
}

func serveConn(ctx context.Context, conn *rdt.Conn) {
	defer conn.Close(ctx)
	for {
		payload, err := conn.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				dlog.Errorf(ctx, "recv: %v", err)
			}
			return
		}
		if err := conn.Send(ctx, payload); err != nil {
			dlog.Errorf(ctx, "echo send: %v", err)
			return
		}
	}
}

func runDial(ctx context.Context, laddr, raddr string) error {
	conn, err := rdt.Dial(ctx, laddr, raddr)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := conn.Send(ctx, scanner.Bytes()); err != nil {
				dlog.Errorf(ctx, "send: %v", err)
				return
			}
		}
	}()

	for {
		payload, err := conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Println(string(payload))
	}
}
