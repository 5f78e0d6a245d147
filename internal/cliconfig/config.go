// Package cliconfig implements the configuration-file and logging
// bootstrap used by the turnd server binary.
package cliconfig

import (
	"io/ioutil"
	"log"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"
)

// ZapConfig decodes zap logging configuration from the "log" key under
// section in v's configuration file, falling back to a sane JSON
// production configuration (or zap's development configuration, if
// section.development is set) when no config file is in use.
func ZapConfig(v *viper.Viper, section string) (zap.Config, error) {
	type cfgWrapper struct {
		Log zap.Config `yaml:"log"`
	}

	d := zap.Config{
		DisableCaller:     true,
		DisableStacktrace: true,
		Level:             zap.NewAtomicLevel(),
		Development:       false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.EpochTimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if v.GetBool(section + ".development") {
		d = zap.NewDevelopmentConfig()
	}
	if v.ConfigFileUsed() == "" {
		return d, nil
	}

	f, err := os.Open(v.ConfigFileUsed())
	if err != nil {
		return d, err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			log.Println("failed to close config file:", closeErr)
		}
	}()
	buf, err := ioutil.ReadAll(f)
	if err != nil {
		return d, err
	}
	raw := map[string]cfgWrapper{section: {Log: d}}
	if err := yaml.Unmarshal(buf, &raw); err != nil {
		return d, err
	}
	return raw[section].Log, nil
}

// Logger builds a *zap.Logger from section's logging configuration,
// panicking on malformed configuration the way a CLI's Run func would
// before it has a logger to report through.
func Logger(v *viper.Viper, section string) *zap.Logger {
	cfg, err := ZapConfig(v, section)
	if err != nil {
		panic(err)
	}
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return l
}

// MustBind binds a cobra flag into v, terminating the process on
// failure: a bad BindPFlag call is a programmer error, not a runtime
// condition a command can recover from.
func MustBind(err error) {
	if err != nil {
		log.Fatalln("failed to bind flag:", err)
	}
}

// AddDefaultConfigPaths registers the search locations for name's
// config file, in order: the working directory, /etc/<name>/, and the
// user's home directory.
func AddDefaultConfigPaths(v *viper.Viper, name string) {
	home, err := homedir.Dir()
	if err != nil {
		log.Fatalln("failed to find home directory:", err)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/" + name + "/")
	v.AddConfigPath(home)
}

// ReadConfig reads name's configuration file from cfgFile if set, else
// from the paths AddDefaultConfigPaths registered, falling back to
// fallback (a YAML document) if no config file exists on disk.
func ReadConfig(v *viper.Viper, name, cfgFile, fallback string) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		AddDefaultConfigPaths(v, name)
		v.SetConfigName(name)
		v.SetConfigType("yaml")
	}
	err := v.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		err = v.ReadConfig(strings.NewReader(fallback))
	}
	if err != nil {
		log.Fatalln("failed to read config:", err)
	}
}
