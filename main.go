package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gitzhang10/WaveDAG/config"
	"github.com/gitzhang10/WaveDAG/sign"
	"github.com/gitzhang10/WaveDAG/wavedag"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "wavedag",
		Short: "DAG based BFT consensus node",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "run the node for the epoch of the committee descriptor",
		RunE:  runNode,
	}
	genKeysCmd = &cobra.Command{
		Use:   "genkeys",
		Short: "generate a block signing key pair and a network key pair",
		RunE:  genKeys,
	}
)

func init() {
	runCmd.Flags().StringP("config", "c", "config.yaml", "node configuration file")
	runCmd.Flags().String("committee", "committee.yaml", "committee descriptor file")
	runCmd.Flags().String("env-prefix", "WAVEDAG", "prefix of the environment variables overriding the configuration")
	runCmd.Flags().Duration("connect-timeout", time.Minute, "how long to wait for the other authorities")
	runCmd.Flags().Duration("close-timeout", 30*time.Second, "how long to wait for the final commit to be acknowledged")
	runCmd.Flags().Int("batch-size", 0, "fill blocks with this many random transactions, for benchmarks")
	runCmd.Flags().Int("tx-size", 256, "size of the random transactions")
	genKeysCmd.Flags().String("scheme", string(sign.SchemeED25519), "block signing scheme: ed25519 or bls")
	rootCmd.AddCommand(runCmd, genKeysCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	committeeFile, _ := cmd.Flags().GetString("committee")
	envPrefix, _ := cmd.Flags().GetString("env-prefix")
	connectTimeout, _ := cmd.Flags().GetDuration("connect-timeout")
	closeTimeout, _ := cmd.Flags().GetDuration("close-timeout")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	txSize, _ := cmd.Flags().GetInt("tx-size")

	conf, err := config.LoadConfig(envPrefix, configFile)
	if err != nil {
		return err
	}
	descriptor, err := config.LoadCommittee(committeeFile)
	if err != nil {
		return err
	}
	if err := descriptor.CheckParameters(conf.Parameters); err != nil {
		return err
	}
	c, err := descriptor.Committee()
	if err != nil {
		return errors.Wrap(err, "building committee")
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "WaveDAG",
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.LogLevel),
	})

	opts := []wavedag.Option{
		wavedag.WithLogger(logger),
		wavedag.WithRegisterer(prometheus.DefaultRegisterer),
	}
	if batchSize > 0 {
		opts = append(opts, wavedag.WithPayloadSource(&wavedag.RandomPayload{BatchSize: batchSize, TxSize: txSize}))
	}

	network, err := wavedag.StartP2PListen(conf, c, logger)
	if err != nil {
		return err
	}
	node, err := wavedag.NewNode(conf, c, append(opts, wavedag.WithNetwork(network))...)
	if err != nil {
		_ = network.Close()
		return errors.Wrap(err, "initing node")
	}

	if conf.MetricsAddr != "" {
		server := &http.Server{Addr: conf.MetricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		defer server.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	err = network.EstablishP2PConns(ctx)
	cancel()
	if err != nil {
		logger.Warn("not every authority is reachable yet", "error", err)
	}
	if err := node.Start(); err != nil {
		return err
	}
	fmt.Printf("%s starts the WaveDAG of epoch %d!\n", conf.Name, c.Epoch())

	done := make(chan struct{})
	go func() {
		defer close(done)
		execute(node, logger)
	}()

	<-waitExit()
	logger.Info("closing the epoch")
	ctx, cancel = context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err = node.CloseEpoch(ctx)
	<-done
	return err
}

// execute stands for the execution layer: it reads the commit feed and acknowledges
// every commit once handled.
func execute(node *wavedag.Node, logger hclog.Logger) {
	for commit := range node.Commits() {
		if commit.Final {
			logger.Info("final commit of the epoch", "index", commit.Index)
		} else {
			txs := 0
			for _, b := range commit.Blocks {
				batch, err := wavedag.DecodeBatch(b.Payload)
				if err != nil {
					logger.Warn("undecodable payload", "block", b.String(), "error", err)
					continue
				}
				txs += len(batch)
			}
			logger.Info("commit", "index", commit.Index, "wave", commit.Wave, "leader", commit.Leader.String(),
				"blocks", len(commit.Blocks), "txs", txs)
		}
		if err := node.Ack(commit.Index); err != nil {
			logger.Warn("fail to acknowledge the commit", "index", commit.Index, "error", err)
		}
	}
}

func waitExit() <-chan os.Signal {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	return sigs
}

func genKeys(cmd *cobra.Command, args []string) error {
	schemeName, _ := cmd.Flags().GetString("scheme")
	scheme, err := sign.ParseScheme(schemeName)
	if err != nil {
		return err
	}
	priv, pub, err := sign.GenKeys(scheme)
	if err != nil {
		return err
	}
	netPriv, netPub := sign.GenED25519Keys()
	fmt.Printf("private_key: %s\npublic_key: %s\nnetwork_key: %s\nnetwork_public_key: %s\n",
		hex.EncodeToString(priv), hex.EncodeToString(pub),
		hex.EncodeToString(netPriv), hex.EncodeToString(netPub))
	return nil
}
