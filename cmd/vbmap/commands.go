package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pior/couchkv"
	"github.com/pior/couchkv/vbucket"
)

var mapCmd = &cobra.Command{
	Use:   "map CONFIG KEY...",
	Short: "Print the vbucket and servers of each key",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(args[0])
		if err != nil {
			return err
		}
		return printMapping(cmd.OutOrStdout(), cfg, args[1:])
	},
}

var diffCmd = &cobra.Command{
	Use:   "diff OLD NEW",
	Short: "Compare two configs",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := loadConfig(args[0])
		if err != nil {
			return err
		}
		to, err := loadConfig(args[1])
		if err != nil {
			return err
		}
		printDiff(cmd.OutOrStdout(), from, to)
		return nil
	},
}

var fetchTimeout time.Duration

var fetchCmd = &cobra.Command{
	Use:   "fetch CONNSTR [KEY...]",
	Short: "Bootstrap against a cluster and print its config and key placement",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		defer func() { _ = logger.Sync() }()

		settings, err := couchkv.LoadSettings(viper.GetViper())
		if err != nil {
			return err
		}
		settings.Logger = logger

		inst, err := couchkv.NewInstance(args[0], settings)
		if err != nil {
			return err
		}
		defer inst.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), fetchTimeout)
		defer cancel()
		if err := inst.Connect(); err != nil {
			return err
		}
		if err := inst.Wait(ctx); err != nil {
			return err
		}
		if err := inst.BootstrapStatus(); err != nil {
			return errors.Wrap(err, "bootstrap")
		}

		cfg := inst.Config()
		logger.Info("bootstrapped", zap.Int64("revision", cfg.Revision), zap.Stringer("bucket_type", inst.BucketType()))
		out := cmd.OutOrStdout()
		printSummary(out, cfg)
		return printMapping(out, cfg, args[1:])
	},
}

func init() {
	fetchCmd.Flags().DurationVar(&fetchTimeout, "timeout", 10*time.Second, "how long to wait for the bootstrap")
}

func loadConfig(path string) (*vbucket.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := vbucket.Parse(data, vbucket.ParseOptions{
		SourceHost: "localhost",
		Network:    viper.GetString("network"),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return cfg, nil
}

func serverName(cfg *vbucket.Config, ix int) string {
	if ix < 0 || ix >= len(cfg.Servers) {
		return "-"
	}
	return cfg.Servers[ix].Authority
}

func printSummary(w io.Writer, cfg *vbucket.Config) {
	fmt.Fprintf(w, "bucket %q rev %d epoch %d (%s), %d vbuckets, %d replicas\n",
		cfg.BucketName, cfg.Revision, cfg.RevEpoch, cfg.Distribution, cfg.NumVBuckets(), cfg.NumReplicas)
	for i := range cfg.Servers {
		fmt.Fprintf(w, "  [%d] %s\n", i, cfg.Servers[i].Authority)
	}
}

func printMapping(w io.Writer, cfg *vbucket.Config, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tVBUCKET\tMASTER\tREPLICAS")
	for _, key := range keys {
		vb, master := cfg.MapKey([]byte(key))
		if cfg.Distribution == vbucket.DistKetama {
			fmt.Fprintf(tw, "%s\t-\t%s\t-\n", key, serverName(cfg, master))
			continue
		}
		replicas := make([]string, cfg.NumReplicas)
		for i := range replicas {
			replicas[i] = serverName(cfg, cfg.VBReplica(vb, i))
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", key, vb, serverName(cfg, master), strings.Join(replicas, ","))
	}
	return tw.Flush()
}

func printDiff(w io.Writer, from, to *vbucket.Config) {
	fmt.Fprintf(w, "revision %d -> %d\n", from.Revision, to.Revision)
	d := vbucket.Compare(from, to)
	if d.Empty() {
		fmt.Fprintln(w, "no changes")
		return
	}
	for _, s := range d.ServersAdded {
		fmt.Fprintf(w, "+ %s\n", s)
	}
	for _, s := range d.ServersRemoved {
		fmt.Fprintf(w, "- %s\n", s)
	}
	if d.SequenceChanged {
		fmt.Fprintln(w, "server order changed")
	}
	switch {
	case d.VBChanges < 0:
		fmt.Fprintf(w, "vbucket count changed: %d -> %d\n", from.NumVBuckets(), to.NumVBuckets())
	case d.VBChanges > 0:
		fmt.Fprintf(w, "%d vbucket masters moved\n", d.VBChanges)
	}
}
