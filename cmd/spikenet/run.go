package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/spikenet/core"
	"github.com/signalsfoundry/spikenet/internal/api"
	"github.com/signalsfoundry/spikenet/internal/exchange"
	"github.com/signalsfoundry/spikenet/internal/logging"
	"github.com/signalsfoundry/spikenet/internal/observability"
	"github.com/signalsfoundry/spikenet/internal/scenario"
	"github.com/signalsfoundry/spikenet/model"
)

var _ scenario.Target = (*api.Client)(nil)

type runFlags struct {
	ranks       int
	coordinator string
	rank        int
	size        int
	remote      string
	output      string
}

func (a *app) runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run SCENARIO",
		Short: "Build and simulate a scenario file",
		Long: `Run builds the network described by SCENARIO and simulates it.

By default the scenario runs in this process on one rank. --ranks N splits
it over N ranks inside this process; --coordinator makes this process one
rank of a multi-process run; --remote drives a kernel served elsewhere.
Recorded populations are written as YAML to --output.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.applyRunFlags(cmd, f)
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			sc, err := scenario.Load(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if f.output != "" && f.output != "-" {
				file, err := os.Create(f.output)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer file.Close()
				out = file
			}
			return a.runScenario(ctx, sc, f.remote, out)
		},
	}
	cmd.Flags().IntVar(&f.ranks, "ranks", 1, "ranks to run inside this process")
	cmd.Flags().StringVar(&f.coordinator, "coordinator", "", "coordinator address; this process becomes one rank")
	cmd.Flags().IntVar(&f.rank, "rank", 0, "rank of this process (with --coordinator)")
	cmd.Flags().IntVar(&f.size, "size", 1, "number of processes (with --coordinator)")
	cmd.Flags().StringVar(&f.remote, "remote", "", "address of a kernel served with 'spikenet serve'")
	cmd.Flags().StringVarP(&f.output, "output", "o", "-", "result file, - for stdout")
	return cmd
}

func (a *app) applyRunFlags(cmd *cobra.Command, f runFlags) {
	d := &a.cfg.Distributed
	if cmd.Flags().Changed("ranks") {
		d.Ranks = f.ranks
	}
	if cmd.Flags().Changed("coordinator") {
		d.Coordinator = f.coordinator
	}
	if cmd.Flags().Changed("rank") {
		d.Rank = f.rank
	}
	if cmd.Flags().Changed("size") {
		d.Size = f.size
	}
}

func (a *app) runScenario(ctx context.Context, sc *scenario.Scenario, remote string, out io.Writer) error {
	ctx, runID := logging.EnsureRunID(ctx)
	log := a.log.With(logging.String("run_id", runID))
	ctx = logging.ContextWithLogger(ctx, log)

	shutdownTracing, err := observability.InitTracing(ctx, a.cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	rep := report{Scenario: sc.Name, RunID: runID}
	var res *scenario.Result
	d := a.cfg.Distributed

	switch {
	case remote != "":
		client, err := api.Dial(remote)
		if err != nil {
			return fmt.Errorf("dial kernel service: %w", err)
		}
		defer client.Close()
		log.Info(ctx, "running scenario on remote kernel", logging.String("addr", remote))
		res, err = scenario.Run(ctx, sc, client, log)
		if err != nil {
			return err
		}

	case d.Coordinator != "":
		comm, err := exchange.Dial(ctx, d.Coordinator, d.Rank, exchange.DialOptions{
			JoinTimeout:  d.JoinTimeout,
			RoundTimeout: d.RoundTimeout,
			Logger:       log,
		})
		if err != nil {
			return err
		}
		k, err := core.New(append(a.cfg.KernelOptions(), core.WithLogger(log), core.WithCommunicator(comm))...)
		if err != nil {
			_ = comm.Close()
			return err
		}
		defer k.Close()
		log.Info(ctx, "running scenario as one rank", logging.Int("rank", d.Rank), logging.Int("size", d.Size))
		res, err = scenario.Run(ctx, sc, scenario.Local(k), log)
		if err != nil {
			return err
		}
		rank := d.Rank
		rep.Rank = &rank
		res = localOnly(res)

	case d.Ranks > 1:
		comms := exchange.NewGroup(d.Ranks)
		targets := make([]scenario.Target, len(comms))
		for r, c := range comms {
			k, err := core.New(append(a.cfg.KernelOptions(), core.WithLogger(log.With(logging.Int("rank", r))), core.WithCommunicator(c))...)
			if err != nil {
				return err
			}
			defer k.Close()
			targets[r] = scenario.Local(k)
		}
		log.Info(ctx, "running scenario on in-process ranks", logging.Int("ranks", d.Ranks))
		res, err = scenario.RunGroup(ctx, sc, targets, log)
		if err != nil {
			return err
		}

	default:
		k, err := core.New(append(a.cfg.KernelOptions(), core.WithLogger(log))...)
		if err != nil {
			return err
		}
		defer k.Close()
		res, err = scenario.Run(ctx, sc, scenario.Local(k), log)
		if err != nil {
			return err
		}
	}

	rep.fill(sc, res)
	return rep.write(out)
}

// localOnly keeps the statuses of nodes this rank owns; the other ranks
// report the rest.
func localOnly(res *scenario.Result) *scenario.Result {
	out := *res
	out.Recorded = make(map[string][]model.Dict, len(res.Recorded))
	for name, statuses := range res.Recorded {
		var kept []model.Dict
		for _, st := range statuses {
			if local, _, _ := st.Bool("local"); local {
				kept = append(kept, st)
			}
		}
		out.Recorded[name] = kept
	}
	return &out
}

type report struct {
	Scenario string                      `yaml:"scenario"`
	RunID    string                      `yaml:"run_id"`
	Rank     *int                        `yaml:"rank,omitempty"`
	TimeMs   float64                     `yaml:"time_ms"`
	Recorded map[string]populationReport `yaml:"recorded"`
}

type populationReport struct {
	NEvents int              `yaml:"n_events"`
	Senders []int64          `yaml:"senders,omitempty"`
	Times   []float64        `yaml:"times,omitempty"`
	Status  []map[string]any `yaml:"status"`
}

func (r *report) fill(sc *scenario.Scenario, res *scenario.Result) {
	r.TimeMs = res.Time
	r.Recorded = make(map[string]populationReport, len(sc.Record))
	for _, name := range sc.Record {
		senders, times := res.Events(name)
		pr := populationReport{NEvents: len(senders), Senders: senders, Times: times}
		for _, st := range res.Recorded[name] {
			st = st.Clone()
			delete(st, "events")
			pr.Status = append(pr.Status, st.Interface())
		}
		r.Recorded[name] = pr
	}
}

func (r *report) write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return enc.Close()
}
