package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/alessio/shellescape"

	"github.com/streamnative/kop-test-harness/broker"
	"github.com/streamnative/kop-test-harness/framework"
	"github.com/streamnative/kop-test-harness/harness"
	"github.com/streamnative/kop-test-harness/logging"
)

type commandParams struct {
	host       string
	tcpLookup  bool
	auth       string
	configPath string
	overlay    *broker.ConfigOverlay
	filters    framework.RegexFilters
	serve      bool
	debug      bool
	debugAll   bool
}

func (c *commandParams) Read(args []string, errOut io.Writer) bool {
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.StringVar(&c.host, "host", "localhost", "address the broker advertises to clients")
	fs.BoolVar(&c.tcpLookup, "tcp-lookup", false, "look up topics over the broker service port instead of HTTP")
	fs.StringVar(&c.auth, "auth", "", "enable SASL/PLAIN with the given user:password")
	fs.StringVar(&c.configPath, "config", "", "YAML file overlaid on the broker configuration")
	fs.Var(&c.filters.MustMatch, "run", "regex pattern(s) to select tests to run")
	fs.Var(&c.filters.MustNotMatch, "skip", "regex pattern(s) to select tests not to run")
	fs.BoolVar(&c.serve, "serve", false, "start the broker and keep it running instead of running tests")
	fs.BoolVar(&c.debug, "debug", false, "enable debug logging for failed tests")
	fs.BoolVar(&c.debugAll, "debug-all", false, "enable debug logging for all tests and the broker")

	if err := fs.Parse(args[1:]); err != nil {
		return false
	}
	if err := c.validate(); err != nil {
		fmt.Fprintln(errOut, err)
		fs.Usage()
		return false
	}
	return true
}

func (c *commandParams) validate() error {
	if c.auth != "" {
		if _, _, err := c.credentials(); err != nil {
			return err
		}
	}
	if c.configPath != "" {
		overlay, err := broker.ReadConfigOverlay(c.configPath)
		if err != nil {
			return err
		}
		c.overlay = overlay
	}
	if c.serve && c.filters.IsDefined() {
		return errors.New("-run and -skip cannot be used with -serve")
	}
	return nil
}

// applyOverlay applies the config file but keeps the endpoints and TLS files the harness allocated.
func (c *commandParams) applyOverlay(conf *broker.Config) {
	allocated := conf.Clone()
	if err := c.overlay.Apply(conf); err != nil {
		logging.New("params").WithError(err).Warn("Ignoring broker config file")
		*conf = allocated
		return
	}
	conf.AdvertisedAddress = allocated.AdvertisedAddress
	conf.BrokerServicePort = allocated.BrokerServicePort
	conf.WebServicePort = allocated.WebServicePort
	conf.WebServicePortTLS = allocated.WebServicePortTLS
	conf.Listeners = allocated.Listeners
	conf.TLSCertificateFilePath = allocated.TLSCertificateFilePath
	conf.TLSKeyFilePath = allocated.TLSKeyFilePath
}

func (c *commandParams) credentials() (string, string, error) {
	user, pass, ok := strings.Cut(c.auth, ":")
	if !ok || user == "" || pass == "" {
		return "", "", fmt.Errorf("-auth must be user:password, got %q", c.auth)
	}
	return user, pass, nil
}

func (c *commandParams) harnessOptions() []harness.Option {
	opts := []harness.Option{
		harness.WithAdvertisedAddress(c.host),
		harness.WithTCPLookup(c.tcpLookup),
		harness.WithConfig(func(conf *broker.Config) { conf.LogLevel = "warn" }),
	}
	if c.overlay != nil {
		opts = append(opts, harness.WithConfig(c.applyOverlay))
	}
	if c.auth != "" {
		user, pass, _ := c.credentials()
		opts = append(opts, harness.WithConfig(func(conf *broker.Config) {
			conf.AuthenticationEnabled = true
			conf.SuperUserCredentials = map[string]string{user: pass}
		}))
	}
	if c.debugAll {
		opts = append(opts, harness.WithConfig(func(conf *broker.Config) { conf.LogLevel = "debug" }))
	}
	return opts
}

type commandBuilder []string

func (b *commandBuilder) add(args ...string) {
	for _, a := range args {
		*b = append(*b, shellescape.Quote(a))
	}
}

func (b commandBuilder) String() string {
	return strings.Join(b, " ")
}
