package cli

import (
	"context"
	"math/rand/v2"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/reach"
)

// NewVerifyCommand builds the verify subcommand: cluster a graph, collect,
// and run the cluster consistency checker.
func NewVerifyCommand() *Command {
	flags := flag.NewFlagSet("verify", flag.ContinueOnError)

	objects := flags.IntP("objects", "n", 10_000, "number of nodes to allocate")
	clusterSize := flags.Int("cluster-size", 32, "members per cluster")
	seed := flags.Int64("seed", 1, "PRNG seed")

	return &Command{
		Flags: flags,
		Usage: "verify [flags]",
		Short: "Cluster a graph, collect, and check cluster consistency",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			cfg := reach.DefaultConfig()
			if int32(*objects+1) > cfg.MaxObjects {
				cfg.MaxObjects = int32(*objects + 1)
			}

			c, err := reach.New(cfg)
			if err != nil {
				return err
			}
			defer c.Shutdown()

			rng := rand.New(rand.NewPCG(uint64(*seed), 0))

			g, err := buildGraph(c, rng, *objects, 4)
			if err != nil {
				return err
			}

			if err := c.AddToRoot(g.slots[0]); err != nil {
				return err
			}

			clusters := 0

			for base := 0; base+*clusterSize <= len(g.slots); base += *clusterSize {
				id, err := c.AllocateCluster(g.slots[base])
				if err != nil {
					// Slot 0 cannot root a cluster; skip and move on.
					continue
				}

				for i := 1; i < *clusterSize; i++ {
					if err := c.AddToCluster(id, g.slots[base+i]); err != nil {
						o.Warn("add member %d to cluster %d: %v", g.slots[base+i], id, err)
					}
				}

				clusters++
			}

			o.Printf("built %d clusters of %d members\n", clusters, *clusterSize)

			if err := c.Collect(nil, false, false); err != nil {
				return err
			}

			errs := c.VerifyClusters()
			for _, e := range errs {
				o.Warn("%v", e)
			}

			stats := c.Stats()
			o.Printf("after collect: live=%d clusters_marked=%d inconsistencies=%d\n",
				stats.NumLive, stats.LastCycle.ClustersMarked, len(errs))

			return nil
		},
	}
}
