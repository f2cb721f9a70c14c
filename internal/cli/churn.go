package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/reach"
)

// churnReport is the JSON document the churn command writes.
type churnReport struct {
	Objects   int   `json:"objects"`
	Fanout    int   `json:"fanout"`
	Cycles    int   `json:"cycles"`
	Seed      int64 `json:"seed"`
	Parallel  bool  `json:"parallel"`
	Workers   int   `json:"workers"`
	TotalSwept int  `json:"total_swept"`
	FinalLive  int  `json:"final_live"`

	CycleReports []churnCycle `json:"cycle_reports"`
}

type churnCycle struct {
	Severed    int           `json:"severed"`
	Swept      int           `json:"swept"`
	Visited    int64         `json:"visited"`
	Dispatched int64         `json:"dispatched"`
	MarkMs     float64       `json:"mark_ms"`
	SweepMs    float64       `json:"sweep_ms"`
	Elapsed    time.Duration `json:"-"`
}

// NewChurnCommand builds the churn subcommand: allocate a random graph,
// repeatedly sever references and collect, and report what each cycle swept.
func NewChurnCommand() *Command {
	flags := flag.NewFlagSet("churn", flag.ContinueOnError)

	objects := flags.IntP("objects", "n", 100_000, "number of nodes to allocate")
	fanout := flags.Int("fanout", 6, "references per node")
	cycles := flags.Int("cycles", 10, "collection cycles to run")
	seed := flags.Int64("seed", 1, "PRNG seed")
	parallel := flags.Bool("parallel", false, "use parallel marking")
	workers := flags.Int("workers", 0, "mark workers (0 = GOMAXPROCS)")
	severFrac := flags.Float64("sever", 0.05, "fraction of references severed per cycle")
	configPath := flags.String("config", "", "collector config file (HuJSON)")
	out := flags.String("out", "", "write JSON report to this path (atomic)")

	return &Command{
		Flags: flags,
		Usage: "churn [flags]",
		Short: "Allocate a graph, then sever and collect in a loop",
		Long: "Allocates a randomly wired object graph, roots one node, and runs\n" +
			"repeated collection cycles, severing a fraction of references before\n" +
			"each one. Reports per-cycle sweep counts and mark timings.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			cfg := reach.DefaultConfig()

			if *configPath != "" {
				var err error

				cfg, err = reach.LoadConfig(*configPath)
				if err != nil {
					return err
				}
			}

			cfg.ParallelEnabled = *parallel
			cfg.WorkerCount = *workers

			if int32(*objects+1) > cfg.MaxObjects {
				cfg.MaxObjects = int32(*objects + 1)
			}

			c, err := reach.New(cfg)
			if err != nil {
				return err
			}
			defer c.Shutdown()

			rng := rand.New(rand.NewPCG(uint64(*seed), 0))

			g, err := buildGraph(c, rng, *objects, *fanout)
			if err != nil {
				return err
			}

			if err := c.AddToRoot(g.slots[0]); err != nil {
				return err
			}

			report := churnReport{
				Objects:  *objects,
				Fanout:   *fanout,
				Cycles:   *cycles,
				Seed:     *seed,
				Parallel: *parallel,
				Workers:  c.Config().WorkerCount,
			}

			for cycle := range *cycles {
				severed := g.severRandom(rng, *severFrac)

				if err := c.Collect(nil, *parallel, false); err != nil {
					return fmt.Errorf("cycle %d: %w", cycle, err)
				}

				g.compact()

				last := c.Stats().LastCycle
				report.TotalSwept += last.SlotsSwept
				report.CycleReports = append(report.CycleReports, churnCycle{
					Severed:    severed,
					Swept:      last.SlotsSwept,
					Visited:    last.ObjectsVisited,
					Dispatched: last.ReferencesDispatched,
					MarkMs:     float64(last.MarkDuration.Microseconds()) / 1000,
					SweepMs:    float64(last.SweepDuration.Microseconds()) / 1000,
				})

				o.Printf("cycle %2d: severed=%d swept=%d visited=%d mark=%v\n",
					cycle, severed, last.SlotsSwept, last.ObjectsVisited, last.MarkDuration.Round(time.Microsecond))
			}

			report.FinalLive = c.Stats().NumLive

			o.Printf("\ntotal swept: %d, final live: %d\n", report.TotalSwept, report.FinalLive)

			if *out != "" {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}

				if err := atomic.WriteFile(*out, bytes.NewReader(append(data, '\n'))); err != nil {
					return fmt.Errorf("writing report: %w", err)
				}

				o.Printf("report written to %s\n", *out)
			}

			return nil
		},
	}
}
