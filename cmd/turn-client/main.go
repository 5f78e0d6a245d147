// Command turn-client is a small interactive TURN client, used either
// to drive a relay allocation against a server or to run as a UDP echo
// peer that a relayed client can be pointed at.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/relaygo/turnd/turn"
	"github.com/relaygo/turnd/turn/turnclient"
)

var v = viper.New()

func runEcho(l *zap.Logger) {
	laddr, err := net.ResolveUDPAddr("udp", v.GetString("peer.listen"))
	if err != nil {
		l.Fatal("failed to resolve listen addr", zap.Error(err))
	}
	c, err := net.ListenUDP("udp", laddr)
	if err != nil {
		l.Fatal("failed to listen", zap.Error(err))
	}
	l.Info("listening as echo peer", zap.Stringer("laddr", c.LocalAddr()))
	buf := make([]byte, 1500)
	for {
		n, addr, err := c.ReadFromUDP(buf)
		if err != nil {
			l.Fatal("failed to read", zap.Error(err))
		}
		l.Info("got message", zap.String("body", string(buf[:n])), zap.Stringer("raddr", addr))
		if _, err := c.WriteToUDP(buf[:n], addr); err != nil {
			l.Fatal("failed to write back", zap.Error(err))
		}
	}
}

func runClient(l *zap.Logger) {
	conn, err := net.Dial("udp", v.GetString("server"))
	if err != nil {
		l.Fatal("failed to dial server", zap.Error(err))
	}
	defer conn.Close()

	peerAddr, err := net.ResolveUDPAddr("udp", v.GetString("peer.addr"))
	if err != nil {
		l.Fatal("failed to resolve peer addr", zap.Error(err))
	}
	peer := turn.AddrFromUDP(peerAddr)

	c := turnclient.New(turnclient.Config{
		Username:       v.GetString("user"),
		Password:       v.GetString("password"),
		Log:            l,
		RequestTimeout: 2 * time.Second,
	}, conn)
	defer c.Close() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Allocate(ctx); err != nil {
		l.Fatal("allocate failed", zap.Error(err))
	}
	l.Info("allocated", zap.Stringer("relay", c.RelayAddr()))

	if err := c.CreatePermission(ctx, peer); err != nil {
		l.Fatal("create permission failed", zap.Error(err))
	}

	if v.GetBool("channel") {
		number, err := c.ChannelBind(ctx, peer)
		if err != nil {
			l.Fatal("channel bind failed", zap.Error(err))
		}
		l.Info("bound channel", zap.Stringer("number", number))
	}

	payload := []byte(v.GetString("message"))
	if err := c.Send(peer, payload); err != nil {
		l.Fatal("send failed", zap.Error(err))
	}
	l.Info("sent", zap.String("mode", sendMode()))

	recvCtx, recvCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer recvCancel()
	res, err := c.Recv(recvCtx)
	if err != nil {
		l.Fatal("timed out waiting for echo", zap.Error(err))
	}
	l.Info("echoed back", zap.Stringer("peer", res.Peer), zap.String("data", string(res.Data)))
}

func sendMode() string {
	if v.GetBool("channel") {
		return "channeldata"
	}
	return "indication"
}

var rootCmd = &cobra.Command{
	Use:   "turn-client",
	Short: "drives a TURN relay allocation or runs as an echo peer",
	Run: func(cmd *cobra.Command, args []string) {
		logCfg := zap.NewDevelopmentConfig()
		logCfg.DisableCaller = true
		logCfg.DisableStacktrace = true
		l, err := logCfg.Build()
		if err != nil {
			panic(err)
		}
		defer l.Sync() //nolint:errcheck

		if v.GetBool("peer") {
			runEcho(l)
			return
		}
		runClient(l)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringP("server", "s", "localhost:3478", "TURN server address")
	f.String("user", "user", "long-term credential username")
	f.String("password", "pass", "long-term credential password")
	f.String("peer.addr", "0.0.0.0:40002", "peer address to relay through")
	f.BoolP("peer", "p", false, "run as an echo peer instead of a client")
	f.String("peer.listen", "0.0.0.0:40002", "listen address in peer mode")
	f.Bool("channel", false, "bind a channel and send via ChannelData instead of a SEND indication")
	f.String("message", "Hello world!", "payload to send")

	for _, name := range []string{"server", "user", "password", "peer.addr", "peer", "peer.listen", "channel", "message"} {
		if err := v.BindPFlag(name, f.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
