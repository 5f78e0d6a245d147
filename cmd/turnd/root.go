package main

import (
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/relaygo/turnd/internal/cliconfig"
	"github.com/relaygo/turnd/turn/turnserver"
)

const defaultConfigFileContent = `
version: "1"
server:
  realm: example.org
  listen: "0.0.0.0:3478"
  workers: 100
  reuseport: true
auth:
  public: false
  static: []
`

var v = viper.New()

type staticCredElem struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Realm    string `mapstructure:"realm"`
}

func parseRule(key string) (turnserver.Rule, error) {
	type rawRuleElem struct {
		Net    string `mapstructure:"net"`
		Action string `mapstructure:"action"`
	}
	var raw []rawRuleElem
	if err := v.UnmarshalKey(key+".rules", &raw); err != nil {
		return nil, err
	}
	list := &turnserver.List{Default: turnserver.Allow}
	switch strings.ToLower(v.GetString(key + ".action")) {
	case "", "allow":
	case "drop", "forbid", "deny", "block":
		list.Default = turnserver.Deny
	default:
		return nil, fmt.Errorf("unknown default action for %s", key)
	}
	for _, r := range raw {
		action := turnserver.Allow
		switch strings.ToLower(r.Action) {
		case "allow", "":
		case "drop", "forbid", "deny", "block":
			action = turnserver.Deny
		default:
			return nil, fmt.Errorf("unknown action %q for %s", r.Action, key)
		}
		rule, err := turnserver.NetRule(action, r.Net)
		if err != nil {
			return nil, err
		}
		list.Rules = append(list.Rules, rule)
	}
	return list, nil
}

func normalize(addr string) string {
	if addr == "" {
		addr = "0.0.0.0:3478"
	}
	if !strings.Contains(addr, ":") {
		addr += ":3478"
	}
	return addr
}

var rootCmd = &cobra.Command{
	Use:   "turnd",
	Short: "turnd is a STUN and TURN relay server",
	Run: func(cmd *cobra.Command, args []string) {
		l := cliconfig.Logger(v, "server")
		defer l.Sync() //nolint:errcheck

		if path := v.ConfigFileUsed(); path != "" {
			l.Info("config file used", zap.String("path", path))
		} else {
			l.Info("default configuration used")
		}
		if strings.Split(v.GetString("version"), ".")[0] != "1" {
			l.Fatal("unsupported config file version", zap.String("v", v.GetString("version")))
		}

		reg := prometheus.NewPedanticRegistry()
		if addr := v.GetString("server.prometheus.addr"); addr != "" {
			l.Info("serving prometheus metrics", zap.String("addr", addr))
			go func() {
				h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{ErrorLog: zap.NewStdLog(l)})
				if err := http.ListenAndServe(addr, h); err != nil {
					l.Error("prometheus listener failed", zap.Error(err))
				}
			}()
		}
		if addr := v.GetString("server.pprof"); addr != "" {
			l.Warn("running pprof", zap.String("addr", addr))
			mux := http.NewServeMux()
			mux.HandleFunc("/debug/pprof/", pprof.Index)
			mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
			mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
			mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
			go func() {
				if err := http.ListenAndServe(addr, mux); err != nil {
					l.Error("pprof listener failed", zap.Error(err))
				}
			}()
		}

		realm := v.GetString("server.realm")
		var rawCreds []staticCredElem
		if err := v.UnmarshalKey("auth.static", &rawCreds); err != nil {
			l.Fatal("failed to parse auth.static", zap.Error(err))
		}
		creds := make([]turnserver.Credential, 0, len(rawCreds))
		for _, c := range rawCreds {
			if c.Realm == "" {
				c.Realm = realm
			}
			creds = append(creds, turnserver.Credential{Username: c.Username, Password: c.Password, Realm: c.Realm})
		}
		l.Info("parsed credentials", zap.Int("n", len(creds)))

		peerRule, err := parseRule("filter.peer")
		if err != nil {
			l.Fatal("failed to parse filter.peer", zap.Error(err))
		}
		clientRule, err := parseRule("filter.client")
		if err != nil {
			l.Fatal("failed to parse filter.client", zap.Error(err))
		}

		addr := normalize(v.GetString("server.listen"))
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			l.Fatal("failed to resolve listen addr", zap.String("addr", addr), zap.Error(err))
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			l.Fatal("failed to listen", zap.String("addr", addr), zap.Error(err))
		}

		opts := turnserver.Options{
			Realm:        realm,
			Conn:         conn,
			Registry:     reg,
			Log:          l,
			Workers:      v.GetInt("server.workers"),
			AuthForSTUN:  v.GetBool("auth.stun"),
			ReusePort:    v.GetBool("server.reuseport"),
			Software:     v.GetString("server.software"),
			PeerFilter:   peerRule,
			ClientFilter: clientRule,
		}
		if v.GetBool("auth.public") {
			l.Warn("auth is public: no long-term credentials required")
		} else {
			opts.Auth = turnserver.NewStaticAuth(creds)
		}

		s, err := turnserver.New(opts)
		if err != nil {
			l.Fatal("failed to build server", zap.Error(err))
		}
		l.Info("turnd listening", zap.String("addr", addr))
		if err := s.Serve(); err != nil {
			l.Fatal("serve failed", zap.Error(err))
		}
	},
}

var cfgFile string

func init() {
	cobra.OnInitialize(func() {
		cliconfig.ReadConfig(v, "turnd", cfgFile, defaultConfigFileContent)
	})
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is turnd.yml in ., /etc/turnd/ or $HOME)")
	rootCmd.Flags().StringP("listen", "l", "0.0.0.0:3478", "listen address")
	rootCmd.Flags().String("pprof", "", "pprof address if specified")
	cliconfig.MustBind(v.BindPFlag("server.listen", rootCmd.Flags().Lookup("listen")))
	cliconfig.MustBind(v.BindPFlag("server.pprof", rootCmd.Flags().Lookup("pprof")))
	v.SetDefault("server.workers", 100)
	v.SetDefault("auth.stun", false)
	v.SetDefault("version", "1")
	v.SetDefault("server.reuseport", true)
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
