// Package main implements spinctl, the command-line client for the sPin
// object store.
//
// spinctl never talks to a fixed peer: every operation queries the name
// registry for live fleet members and spreads its requests across them.
//
//	spinctl add <file>            upload, printing the new object id
//	spinctl get <object-id> <file> retrieve into a local file
//	spinctl del <object-id>       request deletion
//	spinctl peers                 list live peers
package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/antithalian/spin/internal/cluster"
	"github.com/antithalian/spin/internal/config"
	"github.com/antithalian/spin/internal/registry"
)

var (
	ctlLog = logrus.New()

	ctlFlags struct {
		registryHost string
		registryPort int
		typeTag      string
		stalenessSec int
		kDenom       int
	}
)

func main() {
	root := &cobra.Command{
		Use:               "spinctl",
		Short:             "client for the sPin peer-to-peer object store",
		PersistentPreRun:  initMiddleware,
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	}

	root.PersistentFlags().StringVar(&ctlFlags.registryHost, "registry-host", config.DefaultRegistryHost, "name registry host")
	root.PersistentFlags().IntVar(&ctlFlags.registryPort, "registry-port", config.DefaultRegistryPort, "name registry port")
	root.PersistentFlags().StringVar(&ctlFlags.typeTag, "type", config.DefaultType, "registry entry tag identifying the fleet")
	root.PersistentFlags().IntVar(&ctlFlags.stalenessSec, "staleness", 60, "seconds before a registry entry is considered dead")
	root.PersistentFlags().IntVar(&ctlFlags.kDenom, "k-denom", 3, "replica denominator: requests go to ceil(peers/k-denom) peers")

	root.AddCommand(addCmd(), getCmd(), delCmd(), peersCmd())

	if err := root.Execute(); err != nil {
		ctlLog.Error(err)
		os.Exit(1)
	}
}

// initMiddleware folds .env and environment overrides into the flags, the
// same resolution the peer daemon uses.
func initMiddleware(cmd *cobra.Command, _ []string) {
	_ = godotenv.Load()

	if !cmd.Flags().Changed("registry-host") {
		ctlFlags.registryHost = config.EnvOrDefault("SPIN_REGISTRY_HOST", ctlFlags.registryHost)
	}
	if !cmd.Flags().Changed("registry-port") {
		ctlFlags.registryPort = config.EnvOrDefaultInt("SPIN_REGISTRY_PORT", ctlFlags.registryPort)
	}
	if !cmd.Flags().Changed("type") {
		ctlFlags.typeTag = config.EnvOrDefault("SPIN_TYPE", ctlFlags.typeTag)
	}
}

// livePeers polls the registry once and returns the live fleet members in
// a fresh random order.
func livePeers(ctx context.Context) ([]registry.Peer, error) {
	c := registry.NewClient(registry.NewTable(), ctlLog.WithField("component", "spinctl"))
	c.QueryURL = fmt.Sprintf("http://%s:%d/query.json", ctlFlags.registryHost, ctlFlags.registryPort)
	c.Type = ctlFlags.typeTag
	c.Staleness = time.Duration(ctlFlags.stalenessSec) * time.Second

	if err := c.Poll(ctx); err != nil {
		return nil, err
	}

	peers := c.Table.All()
	if len(peers) == 0 {
		return nil, fmt.Errorf("no live peers found")
	}
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	return peers, nil
}

// spread returns how many peers an add or del request fans out to.
func spread(peerCount int) int {
	return int(math.Ceil(float64(peerCount) / float64(ctlFlags.kDenom)))
}

func addCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <file>",
		Short: "upload a file, printing its object id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			digest, err := cluster.FileDigest(path)
			if err != nil {
				return fmt.Errorf("could not read %s: %w", path, err)
			}
			id := cluster.NewObjectID(digest)

			peers, err := livePeers(cmd.Context())
			if err != nil {
				return err
			}

			uploaded := 0
			for _, p := range peers[:spread(len(peers))] {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("could not open %s: %w", path, err)
				}
				err = cluster.PostMultipart(cmd.Context(), p.URL()+"/add/"+id.String(), "data", f)
				f.Close()
				if err != nil {
					ctlLog.Warnf("upload to %s failed: %v", p.Addr(), err)
					continue
				}
				uploaded++
			}
			if uploaded == 0 {
				return fmt.Errorf("could not upload to any peer")
			}

			fmt.Println(id)
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <object-id> <file>",
		Short: "retrieve an object into a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := cluster.ParseObjectID(args[0])
			if err != nil {
				return err
			}
			path := args[1]

			peers, err := livePeers(cmd.Context())
			if err != nil {
				return err
			}

			for _, p := range peers {
				rc, err := cluster.GetObject(cmd.Context(), p.URL()+"/get/"+id.String(), "")
				if err != nil {
					ctlLog.Warnf("fetch from %s failed: %v", p.Addr(), err)
					continue
				}
				err = saveVerified(path, id.Digest, rc)
				rc.Close()
				if err != nil {
					ctlLog.Warnf("fetch from %s: %v", p.Addr(), err)
					continue
				}
				return nil
			}
			return fmt.Errorf("could not retrieve %s from any peer", id)
		},
	}
}

// saveVerified writes the stream to path, rejecting bytes that do not hash
// to the expected digest. The identifier carries the digest precisely so
// clients can check what they were handed.
func saveVerified(path, digest string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", path, err)
	}

	actual, err := cluster.DigestReader(io.TeeReader(r, f))
	if err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if actual != digest {
		return fmt.Errorf("peer returned tampered bytes (digest %s)", actual)
	}
	return nil
}

func delCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del <object-id>",
		Short: "request deletion of an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := cluster.ParseObjectID(args[0])
			if err != nil {
				return err
			}

			peers, err := livePeers(cmd.Context())
			if err != nil {
				return err
			}

			requested := 0
			for _, p := range peers[:spread(len(peers))] {
				if err := cluster.PostBody(cmd.Context(), p.URL()+"/del/"+id.String(), ""); err != nil {
					ctlLog.Warnf("deletion request to %s failed: %v", p.Addr(), err)
					continue
				}
				requested++
			}
			if requested == 0 {
				return fmt.Errorf("could not request deletion from any peer")
			}

			fmt.Printf("deletion requested for %s\n", id)
			return nil
		},
	}
}

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "list live fleet members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			peers, err := livePeers(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range peers {
				fmt.Printf("%s\t%s\tlast heard %s\n", p.UUID, p.Addr(), p.LastHeardFrom.Format(time.RFC3339))
			}
			return nil
		},
	}
}
