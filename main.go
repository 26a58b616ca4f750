package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/streamnative/kop-test-harness/framework"
	"github.com/streamnative/kop-test-harness/harness"
	"github.com/streamnative/kop-test-harness/kafkaclient"
	"github.com/streamnative/kop-test-harness/logging"
	"github.com/streamnative/kop-test-harness/smoketests"
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	var params commandParams
	if !params.Read(args, os.Stderr) {
		return 2
	}

	h, err := harness.New(params.harnessOptions()...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Harness error: %s\n", err)
		return 1
	}
	defer func() {
		if err := h.InternalCleanup(); err != nil {
			fmt.Fprintf(os.Stderr, "Cleanup error: %s\n", err)
		}
	}()
	if err := logging.Configure(os.Stderr, h.Config().LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("Starting broker")
	if err := h.InternalSetup(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Broker startup error: %s\n", err)
		return 1
	}
	fmt.Println()
	printConnectionInfo(os.Stdout, h, params)

	if params.serve {
		fmt.Println("Broker is running; press Ctrl-C to stop")
		<-ctx.Done()
		fmt.Println()
		fmt.Println("Stopping broker")
		return 0
	}

	framework.PrintFilterDescription(os.Stdout, params.filters, smoketests.DisabledFeatures(h))
	fmt.Println("Running smoke tests")

	testLogger := &framework.ConsoleTestLogger{
		Out:                  os.Stdout,
		DebugOutputOnFailure: params.debug || params.debugAll,
		DebugOutputOnSuccess: params.debugAll,
	}
	results := smoketests.RunTestSuite(h, params.filters.AsFilter, testLogger)

	fmt.Println()
	framework.PrintResults(os.Stdout, results)
	if !results.OK() {
		return 1
	}
	return 0
}

var labelColor = color.New(color.Bold)

func printConnectionInfo(out io.Writer, h *harness.Harness, params commandParams) {
	line := func(label, value string) {
		labelColor.Fprintf(out, "  %-12s", label)
		fmt.Fprintln(out, value)
	}
	line("Kafka", h.KafkaAddress())
	line("Kafka (TLS)", fmt.Sprintf("%s:%d", h.AdvertisedAddress(), h.KafkaPortTLS()))
	line("Admin", h.BrokerURL())
	line("Lookup", h.LookupURL())
	line("Trust store", h.TrustStorePath())
	fmt.Fprintln(out)

	var producer commandBuilder
	producer.add("kafka-console-producer.sh", "--bootstrap-server", h.KafkaAddress(), "--topic", "test")
	if params.auth != "" {
		user, pass, _ := params.credentials()
		props := kafkaclient.ProducerProperties(kafkaclient.ProducerParams{Username: user, Password: pass})
		for _, key := range []string{
			kafkaclient.SecurityProtocolConfig,
			kafkaclient.SASLMechanismConfig,
			kafkaclient.SASLJAASConfig,
		} {
			producer.add("--producer-property", key+"="+props[key])
		}
	}
	fmt.Fprintln(out, "Try it with:")
	fmt.Fprintf(out, "  %s\n", producer)
	fmt.Fprintln(out)
}
